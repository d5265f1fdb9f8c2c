package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/stylize/format"
)

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows a message, an animation while running and the elapsed time
// once stopped.
type Spinner struct {
	message atomic.Value
	started time.Time
	stopped atomic.Int64
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{started: time.Now()}
	s.message.Store(message)
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, _ := s.message.Load().(string); message != "" {
		sb.WriteString(strings.TrimSpace(message))
		sb.WriteString(" ")
	}

	if stopped := s.stopped.Load(); stopped != 0 {
		fmt.Fprintf(&sb, "(%s)", format.Latency(time.Duration(stopped-s.started.UnixNano())))
		return sb.String()
	}

	elapsed := time.Since(s.started)
	sb.WriteString(frames[int(elapsed/(100*time.Millisecond))%len(frames)])
	return sb.String()
}

func (s *Spinner) Stop() {
	s.stopped.CompareAndSwap(0, time.Now().UnixNano())
}

// Elapsed returns the time between creation and Stop, or until now while
// the spinner is running.
func (s *Spinner) Elapsed() time.Duration {
	if stopped := s.stopped.Load(); stopped != 0 {
		return time.Duration(stopped - s.started.UnixNano())
	}

	return time.Since(s.started)
}
