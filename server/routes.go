package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ollama/stylize/api"
	"github.com/ollama/stylize/assets"
	"github.com/ollama/stylize/catalog"
	"github.com/ollama/stylize/envconfig"
	"github.com/ollama/stylize/logutil"
	"github.com/ollama/stylize/metrics"
	"github.com/ollama/stylize/model/imageproc"
	"github.com/ollama/stylize/stylize"
	"github.com/ollama/stylize/version"
)

const (
	maxRequestBytes = 64 << 20
	requestIDHeader = "X-Request-ID"
)

type assetLister interface {
	List() ([]assets.Asset, error)
}

type Server struct {
	addr    net.Addr
	engine  *stylize.Engine
	assets  assetLister
	catalog *catalog.Catalog
	sched   *Scheduler
	metrics *metrics.Metrics

	// styleKey identifies the style image last given to the engine. Only
	// accessed while holding the scheduler.
	styleKey string
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, stylize.ErrInvalidImage),
		errors.Is(err, stylize.ErrNoStyleSelected),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrStyleNotFound):
		return http.StatusNotFound
	case errors.Is(err, stylize.ErrModelUnavailable),
		errors.Is(err, ErrMaxQueue):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func abort(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "request_id", c.GetString(requestIDHeader), "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// style is a decoded style image and a key identifying its source.
type style struct {
	name  string
	key   string
	image image.Image
}

func (s *Server) resolveStyle(name string, inline []byte) (*style, error) {
	switch {
	case len(inline) > 0:
		img, _, err := imageproc.Decode(bytes.NewReader(inline))
		if err != nil {
			return nil, fmt.Errorf("style_image: %w", err)
		}

		sum := sha256.Sum256(inline)
		return &style{key: "sha256:" + hex.EncodeToString(sum[:]), image: img}, nil
	case name != "":
		st, err := s.catalog.Find(name)
		if err != nil {
			return nil, err
		}

		img, err := s.catalog.LoadStyle(st)
		if err != nil {
			return nil, err
		}

		return &style{
			name:  st.Name,
			key:   fmt.Sprintf("catalog:%s:%d:%d", st.File, st.Size, st.ModifiedAt.UnixNano()),
			image: img,
		}, nil
	default:
		return nil, fmt.Errorf("%w: style or style_image is required", stylize.ErrNoStyleSelected)
	}
}

func (s *Server) StylizeHandler(c *gin.Context) {
	var req api.StylizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	if len(req.Content) == 0 {
		abort(c, fmt.Errorf("%w: content is required", errBadRequest))
		return
	}

	outputFormat := imageproc.FormatFromPath("." + req.Format)
	if req.Format == "" {
		outputFormat = "png"
	}

	if outputFormat != "png" && outputFormat != "jpeg" {
		abort(c, fmt.Errorf("%w: unsupported format %q", errBadRequest, req.Format))
		return
	}

	content, _, err := imageproc.Decode(bytes.NewReader(req.Content))
	if err != nil {
		abort(c, fmt.Errorf("content: %w", err))
		return
	}

	st, err := s.resolveStyle(req.Style, req.StyleImage)
	if err != nil {
		abort(c, err)
		return
	}

	start := time.Now()

	var out *api.Tensor
	var img *image.RGBA
	wantTensor := strings.Contains(c.GetHeader("Accept"), "application/cbor")
	if err := s.sched.Run(c.Request.Context(), "transfer", func() error {
		if st.key != s.styleKey {
			s.engine.SetStyleImage(st.image)
			s.styleKey = st.key
		}

		t, err := s.engine.TransferTensor(content)
		if err != nil {
			return err
		}

		if wantTensor {
			out = &api.Tensor{Shape: t.Shape, Data: t.Data}
			return nil
		}

		img, err = imageproc.Postprocess(t)
		return err
	}); err != nil {
		abort(c, err)
		return
	}

	slog.Debug("stylized", "request_id", c.GetString(requestIDHeader), "style", st.name, "duration", time.Since(start))

	if wantTensor {
		bts, err := cbor.Marshal(out)
		if err != nil {
			abort(c, err)
			return
		}

		c.Data(http.StatusOK, "application/cbor", bts)
		return
	}

	var b bytes.Buffer
	if err := imageproc.Encode(&b, img, outputFormat); err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, api.StylizeResponse{
		Image:         b.Bytes(),
		Format:        outputFormat,
		Width:         img.Bounds().Dx(),
		Height:        img.Bounds().Dy(),
		TotalDuration: time.Since(start),
	})
}

func (s *Server) DescriptorHandler(c *gin.Context) {
	var req api.DescriptorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	st, err := s.resolveStyle(req.Style, req.StyleImage)
	if err != nil {
		abort(c, err)
		return
	}

	var resp api.DescriptorResponse
	if err := s.sched.Run(c.Request.Context(), "describe", func() error {
		t, err := s.engine.Describe(st.image)
		if err != nil {
			return err
		}

		resp = api.DescriptorResponse{Style: st.name, Shape: t.Shape, Descriptor: t.Data}
		return nil
	}); err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) StylesHandler(c *gin.Context) {
	styles, err := s.catalog.List()
	if err != nil {
		abort(c, err)
		return
	}

	resp := api.StylesResponse{Styles: []api.StyleResponse{}}
	for _, st := range styles {
		resp.Styles = append(resp.Styles, api.StyleResponse{
			Name:       st.Name,
			Format:     st.Format,
			Size:       st.Size,
			Width:      st.Width,
			Height:     st.Height,
			ModifiedAt: st.ModifiedAt,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ModelsHandler(c *gin.Context) {
	list, err := s.assets.List()
	if err != nil {
		abort(c, err)
		return
	}

	resp := api.ModelsResponse{State: s.engine.State().String(), Models: []api.ModelResponse{}}
	if err := s.engine.Err(); err != nil {
		resp.Error = err.Error()
	}

	for _, a := range list {
		resp.Models = append(resp.Models, api.ModelResponse{Name: a.Name, File: a.File, Backend: a.Backend, Size: a.Size})
	}

	c.JSON(http.StatusOK, resp)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(c.Request.Method, route, c.Writer.Status())
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With", requestIDHeader}
	config.ExposeHeaders = []string{requestIDHeader}
	config.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.Use(
		cors.New(config),
		requestID(),
		s.observe(),
	)

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "Stylize is running")
		})

		r.Handle(method, "/api/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
		})
	}

	r.GET("/api/styles", s.StylesHandler)
	r.GET("/api/models", s.ModelsHandler)
	r.POST("/api/stylize", s.StylizeHandler)
	r.POST("/api/descriptor", s.DescriptorHandler)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return r
}

func Serve(ln net.Listener) error {
	logutil.Setup(os.Stderr, envconfig.LogLevel())
	slog.Info("server config", "env", envconfig.Values())
	if path := envconfig.ConfigFile(); path != "" {
		slog.Info("using config file", "path", path)
	}

	ctx, done := context.WithCancel(context.Background())
	defer done()

	store := &assets.DirStore{Root: envconfig.Models()}
	engine := stylize.Start(ctx, store, stylize.Options{
		NumThreads:      int(envconfig.NumThreads()),
		CacheDescriptor: envconfig.CacheStyle(),
	})

	m := metrics.New()
	s := &Server{
		addr:    ln.Addr(),
		engine:  engine,
		assets:  store,
		catalog: catalog.Open(envconfig.Styles()),
		sched:   InitScheduler(int(envconfig.MaxQueue()), m),
		metrics: m,
	}

	go func() {
		<-engine.Loaded()
		if err := engine.Err(); err != nil {
			slog.Error("failed to load models", "dir", store.Root, "error", err)
			return
		}

		m.SetReady(true)
		slog.Info("models loaded", "dir", store.Root, "threads", envconfig.NumThreads())
	}()

	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and release the models
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		done()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err := srvr.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	if cerr := engine.Close(); cerr != nil {
		slog.Warn("failed to release models", "error", cerr)
	}

	return err
}
