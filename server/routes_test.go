package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/stylize/api"
	"github.com/ollama/stylize/assets"
	"github.com/ollama/stylize/catalog"
	"github.com/ollama/stylize/metrics"
	"github.com/ollama/stylize/ml"
	"github.com/ollama/stylize/ml/backend/native"
	"github.com/ollama/stylize/model/imageproc"
	"github.com/ollama/stylize/stylize"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func encodePNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}

	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, img))
	return b.Bytes()
}

func modelFS(t *testing.T) fstest.MapFS {
	t.Helper()

	fsys := fstest.MapFS{}
	for _, arch := range []string{native.ArchStylePredict, native.ArchStyleTransfer} {
		f, err := native.Create(arch, native.CreateOptions{Seed: 7, Hidden: 4})
		require.NoError(t, err)

		var b bytes.Buffer
		_, err = native.Write(&b, f)
		require.NoError(t, err)
		fsys[arch+native.Extension] = &fstest.MapFile{Data: b.Bytes()}
	}
	return fsys
}

func newTestServer(t *testing.T, models fstest.MapFS, maxQueue int) *Server {
	t.Helper()

	store := &assets.FSStore{FS: models}
	engine := stylize.New(context.Background(), store, stylize.Options{NumThreads: 2})
	t.Cleanup(func() { engine.Close() })

	styles := fstest.MapFS{
		"wave.png":  &fstest.MapFile{Data: encodePNG(t, 64, 32, color.RGBA{0, 0, 255, 255})},
		"notes.txt": &fstest.MapFile{Data: []byte("not an image")},
	}

	m := metrics.New()
	return &Server{
		engine:  engine,
		assets:  store,
		catalog: catalog.New(styles),
		sched:   InitScheduler(maxQueue, m),
		metrics: m,
	}
}

func request(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body != nil {
		bts, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(bts))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}

	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Message
}

func TestRoutesBasic(t *testing.T) {
	s := newTestServer(t, modelFS(t), 4)
	h := s.GenerateRoutes()

	t.Run("root", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Stylize is running", w.Body.String())
		assert.NotEmpty(t, w.Header().Get(requestIDHeader))

		w = request(t, h, http.MethodHead, "/", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("request id is echoed", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/", nil, requestIDHeader, "abc")
		assert.Equal(t, "abc", w.Header().Get(requestIDHeader))
	})

	t.Run("version", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/api/version", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp api.VersionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Version)
	})

	t.Run("styles", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/api/styles", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp api.StylesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Styles, 1)
		assert.Equal(t, "wave", resp.Styles[0].Name)
		assert.Equal(t, "png", resp.Styles[0].Format)
		assert.Equal(t, 64, resp.Styles[0].Width)
		assert.Equal(t, 32, resp.Styles[0].Height)
	})

	t.Run("models", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/api/models", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp api.ModelsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.State)
		assert.Empty(t, resp.Error)
		require.Len(t, resp.Models, 2)
		assert.Equal(t, native.ArchStylePredict, resp.Models[0].Name)
		assert.Equal(t, "native", resp.Models[0].Backend)
		assert.Equal(t, native.ArchStyleTransfer, resp.Models[1].Name)
	})

	t.Run("metrics", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "stylize_http_requests_total")
		assert.Contains(t, w.Body.String(), `route="/api/version"`)
	})

	t.Run("not found", func(t *testing.T) {
		w := request(t, h, http.MethodGet, "/api/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStylizeHandler(t *testing.T) {
	s := newTestServer(t, modelFS(t), 4)
	h := s.GenerateRoutes()

	content := encodePNG(t, 200, 100, color.RGBA{255, 0, 0, 255})

	t.Run("catalog style", func(t *testing.T) {
		w := request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "wave"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp api.StylizeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "png", resp.Format)
		assert.Equal(t, stylize.ContentSize, resp.Width)
		assert.Equal(t, stylize.ContentSize, resp.Height)

		img, format, err := imageproc.Decode(bytes.NewReader(resp.Image))
		require.NoError(t, err)
		assert.Equal(t, "png", format)
		assert.Equal(t, image.Rect(0, 0, stylize.ContentSize, stylize.ContentSize), img.Bounds())
	})

	t.Run("catalog style by file", func(t *testing.T) {
		w := request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "wave.png"})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("inline style jpeg", func(t *testing.T) {
		req := api.StylizeRequest{
			Content:    content,
			StyleImage: encodePNG(t, 10, 10, color.RGBA{0, 255, 0, 255}),
			Format:     "jpg",
		}
		w := request(t, h, http.MethodPost, "/api/stylize", req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp api.StylizeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "jpeg", resp.Format)

		_, format, err := imageproc.Decode(bytes.NewReader(resp.Image))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)
	})

	t.Run("tensor", func(t *testing.T) {
		w := request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "wave"}, "Accept", "application/cbor")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/cbor", w.Header().Get("Content-Type"))

		var tensor api.Tensor
		require.NoError(t, cbor.Unmarshal(w.Body.Bytes(), &tensor))
		assert.Equal(t, []int{1, stylize.ContentSize, stylize.ContentSize, 3}, tensor.Shape)
		assert.Len(t, tensor.Data, stylize.ContentSize*stylize.ContentSize*3)
	})

	t.Run("tensor matches image", func(t *testing.T) {
		req := api.StylizeRequest{Content: content, Style: "wave"}

		w := request(t, h, http.MethodPost, "/api/stylize", req, "Accept", "application/cbor")
		require.Equal(t, http.StatusOK, w.Code)
		var tensor api.Tensor
		require.NoError(t, cbor.Unmarshal(w.Body.Bytes(), &tensor))

		w = request(t, h, http.MethodPost, "/api/stylize", req)
		require.Equal(t, http.StatusOK, w.Code)
		var resp api.StylizeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		img, _, err := imageproc.Decode(bytes.NewReader(resp.Image))
		require.NoError(t, err)

		mt, err := ml.NewTensor(tensor.Shape, tensor.Data)
		require.NoError(t, err)
		want, err := imageproc.Postprocess(mt)
		require.NoError(t, err)

		for _, pt := range []image.Point{{0, 0}, {100, 200}, {383, 383}} {
			assert.Equal(t, want.At(pt.X, pt.Y), color.RGBAModel.Convert(img.At(pt.X, pt.Y)), pt)
		}
	})

	cases := []struct {
		name   string
		req    api.StylizeRequest
		status int
		msg    string
	}{
		{"missing content", api.StylizeRequest{Style: "wave"}, http.StatusBadRequest, "content is required"},
		{"missing style", api.StylizeRequest{Content: content}, http.StatusBadRequest, "style or style_image is required"},
		{"unknown style", api.StylizeRequest{Content: content, Style: "nope"}, http.StatusNotFound, "style not found"},
		{"bad content", api.StylizeRequest{Content: []byte("garbage"), Style: "wave"}, http.StatusBadRequest, "invalid image"},
		{"bad style image", api.StylizeRequest{Content: content, StyleImage: []byte("garbage")}, http.StatusBadRequest, "style_image"},
		{"bad format", api.StylizeRequest{Content: content, Style: "wave", Format: "gif"}, http.StatusBadRequest, "unsupported format"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := request(t, h, http.MethodPost, "/api/stylize", tt.req)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, errorMessage(t, w), tt.msg)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/stylize", strings.NewReader("{"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStylizeStyleKey(t *testing.T) {
	s := newTestServer(t, modelFS(t), 4)
	h := s.GenerateRoutes()

	content := encodePNG(t, 20, 20, color.RGBA{255, 0, 0, 255})
	style := encodePNG(t, 10, 10, color.RGBA{0, 255, 0, 255})

	w := request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "wave"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(s.styleKey, "catalog:wave.png:"))

	w = request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, StyleImage: style})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(s.styleKey, "sha256:"))

	// a failed request leaves the selected style alone
	key := s.styleKey
	w = request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, key, s.styleKey)
}

func TestDescriptorHandler(t *testing.T) {
	s := newTestServer(t, modelFS(t), 4)
	h := s.GenerateRoutes()

	w := request(t, h, http.MethodPost, "/api/descriptor", api.DescriptorRequest{Style: "wave"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.DescriptorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "wave", resp.Style)
	assert.Equal(t, []int{1, 1, 1, stylize.DescriptorSize}, resp.Shape)
	assert.Len(t, resp.Descriptor, stylize.DescriptorSize)

	// same image inline yields the same descriptor
	styleBytes := encodePNG(t, 64, 32, color.RGBA{0, 0, 255, 255})
	w = request(t, h, http.MethodPost, "/api/descriptor", api.DescriptorRequest{StyleImage: styleBytes})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var inline api.DescriptorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inline))
	assert.Empty(t, inline.Style)
	assert.Equal(t, resp.Descriptor, inline.Descriptor)

	w = request(t, h, http.MethodPost, "/api/descriptor", api.DescriptorRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelUnavailable(t *testing.T) {
	s := newTestServer(t, fstest.MapFS{}, 4)
	h := s.GenerateRoutes()

	content := encodePNG(t, 20, 20, color.RGBA{255, 0, 0, 255})
	w := request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "wave"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, errorMessage(t, w), "model unavailable")

	w = request(t, h, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.State)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.Models)
}

func TestQueueFull(t *testing.T) {
	s := newTestServer(t, modelFS(t), 0)
	h := s.GenerateRoutes()

	// occupy the only slot
	s.sched.pending <- struct{}{}
	t.Cleanup(func() { <-s.sched.pending })

	content := encodePNG(t, 20, 20, color.RGBA{255, 0, 0, 255})
	w := request(t, h, http.MethodPost, "/api/stylize", api.StylizeRequest{Content: content, Style: "wave"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrMaxQueue.Error(), errorMessage(t, w))
}

func TestCORS(t *testing.T) {
	t.Setenv("STYLIZE_ORIGINS", "https://app.example.com")

	s := newTestServer(t, modelFS(t), 4)
	h := s.GenerateRoutes()

	cases := []struct {
		origin string
		allow  bool
	}{
		{"http://localhost", true},
		{"http://localhost:3000", true},
		{"https://127.0.0.1:8443", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}

	for _, tt := range cases {
		t.Run(tt.origin, func(t *testing.T) {
			w := request(t, h, http.MethodGet, "/api/version", nil, "Origin", tt.origin)
			if tt.allow {
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Equal(t, http.StatusForbidden, w.Code)
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestErrorStatus(t *testing.T) {
	cases := map[error]int{
		stylize.ErrInvalidImage:     http.StatusBadRequest,
		stylize.ErrNoStyleSelected:  http.StatusBadRequest,
		catalog.ErrStyleNotFound:    http.StatusNotFound,
		stylize.ErrModelUnavailable: http.StatusServiceUnavailable,
		ErrMaxQueue:                 http.StatusServiceUnavailable,
		stylize.ErrShapeMismatch:    http.StatusInternalServerError,
		context.Canceled:            499,
	}

	for err, want := range cases {
		assert.Equal(t, want, errorStatus(err), err.Error())
	}
}
