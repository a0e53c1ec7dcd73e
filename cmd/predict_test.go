package cmd

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/client"
	"github.com/example/glaucoscan/internal/config"
	"github.com/example/glaucoscan/internal/handlers"
	"github.com/example/glaucoscan/internal/history"
	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/usecase"
)

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func newTestAPI(t *testing.T, adapter inference.AdapterFunc) *httptest.Server {
	t.Helper()
	cfg := &config.Config{CORSAllowOrigin: "*", LogLevel: "info"}
	uc := usecase.NewPredictionUseCase(adapter, "stub", nil, zap.NewNop())
	srv := httptest.NewServer(newRouter(cfg, uc, handlers.Options{Logger: zap.NewNop()}, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunPredictRecordsHistory(t *testing.T) {
	var (
		mu        sync.Mutex
		seenTypes []string
	)
	srv := newTestAPI(t, func(ctx context.Context, image *imagepayload.Payload) (*inference.Result, error) {
		mu.Lock()
		seenTypes = append(seenTypes, image.MIMEType)
		mu.Unlock()
		return inference.DecodeResult([]byte(`{"prediction":"No glaucoma detected","confidence":0.82}`))
	})

	dir := t.TempDir()
	paths := []string{writePNG(t, dir, "left.png"), writePNG(t, dir, "right.png")}

	var out, errOut bytes.Buffer
	session := history.NewSession()
	err := runPredict(context.Background(), client.New(srv.URL, srv.Client()), session, paths, &out, &errOut)
	require.NoError(t, err)

	mu.Lock()
	require.Equal(t, []string{"image/png", "image/png"}, seenTypes)
	mu.Unlock()
	require.Equal(t, 2, session.Len())
	require.Contains(t, out.String(), "left.png")
	require.Contains(t, out.String(), "right.png")
	require.Contains(t, out.String(), "No glaucoma detected")
	require.Contains(t, out.String(), "82.0%")
}

func TestRunPredictContinuesAfterFailure(t *testing.T) {
	srv := newTestAPI(t, func(ctx context.Context, image *imagepayload.Payload) (*inference.Result, error) {
		return inference.DecodeResult([]byte(`{"prediction":"Glaucoma detected","confidence":0.7}`))
	})

	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("not an image"), 0o600))
	paths := []string{notes, writePNG(t, dir, "eye.png")}

	var out, errOut bytes.Buffer
	session := history.NewSession()
	err := runPredict(context.Background(), client.New(srv.URL, srv.Client()), session, paths, &out, &errOut)
	require.EqualError(t, err, "1 of 2 images failed")
	require.Equal(t, 1, session.Len())
	require.Contains(t, errOut.String(), "notes.txt")
	require.Contains(t, out.String(), "Glaucoma detected")
}

func TestRunPredictReportsServerError(t *testing.T) {
	srv := newTestAPI(t, func(ctx context.Context, image *imagepayload.Payload) (*inference.Result, error) {
		return nil, &inference.ExecError{ExitCode: 1, Stderr: "model load failed"}
	})

	path := writePNG(t, t.TempDir(), "eye.png")

	var out, errOut bytes.Buffer
	err := runPredict(context.Background(), client.New(srv.URL, srv.Client()), history.NewSession(), []string{path}, &out, &errOut)
	require.Error(t, err)
	require.Contains(t, errOut.String(), "model load failed")
	require.Contains(t, out.String(), "No results.")
}

func TestPredictCommandWiring(t *testing.T) {
	srv := newTestAPI(t, func(ctx context.Context, image *imagepayload.Payload) (*inference.Result, error) {
		return inference.DecodeResult([]byte(`{"prediction":"Glaucoma detected","confidence":0.91}`))
	})
	path := writePNG(t, t.TempDir(), "eye.png")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"predict", "--server", srv.URL, path})

	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "Glaucoma detected")
	require.Contains(t, out.String(), "91.0%")
}

func TestPredictCommandRequiresArgs(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"predict"})
	require.Error(t, root.ExecuteContext(context.Background()))
}
