package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/chunk"
	"github.com/stemsplit/api/internal/handler"
	"github.com/stemsplit/api/internal/idgen"
	"github.com/stemsplit/api/internal/middleware"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/testutil"
)

// testApp holds the app plus the fakes behind it so tests can drive task
// completion without a running queue.
type testApp struct {
	app     *fiber.App
	pool    *testutil.FakePool
	storage *testutil.MemStorage
}

// setupApp builds a Fiber app wired like main.go, with the worker pool, the
// audio service and storage replaced by in-memory fakes. No redis or
// external service is needed.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	st := store.New()
	ids := idgen.NewAllocator()
	pool := testutil.NewFakePool()
	storage := testutil.NewMemStorage()

	splitter := chunk.NewSplitter(testutil.FakeAudio{}, "mp3")
	reassembler := service.NewAudioReassembler(testutil.FakeAudio{}, storage, "mp3")

	uploadService := service.NewUploadService(st, ids)
	splitService := service.NewSplitService(st, ids, pool, splitter, reassembler, storage, 0)
	jobService := service.NewJobService(st)

	validate := validator.New()
	musicHandler := handler.NewMusicHandler(uploadService, splitService, validate)
	jobHandler := handler.NewJobHandler(jobService)
	adminHandler := handler.NewAdminHandler(splitService)

	// Redis is not required: the limiter allows requests when it is absent.
	rateLimiter := middleware.NewRateLimiter(redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	}))

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/music", rateLimiter.UploadLimit(10000), musicHandler.Upload)
	app.Get("/music", musicHandler.List)
	app.Post("/music/:id", rateLimiter.SplitLimit(10000), musicHandler.Dispatch)
	app.Get("/music/:id", musicHandler.Progress)

	app.Get("/job", jobHandler.List)
	app.Get("/job/:id", jobHandler.Get)

	app.Post("/reset", adminHandler.Reset)

	return &testApp{app: app, pool: pool, storage: storage}
}

// trackOfMs builds fake audio whose byte length equals its duration in ms.
func trackOfMs(ms int) []byte {
	data := make([]byte, ms)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// createUploadRequest builds a multipart POST /music request with a fake
// audio file and optional metadata.
func createUploadRequest(t *testing.T, audio []byte, name, band string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if name != "" {
		_ = writer.WriteField("name", name)
	}
	if band != "" {
		_ = writer.WriteField("band", band)
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="myfile"; filename="track.mp3"`)
	partHeader.Set("Content-Type", "audio/mpeg")
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	_, _ = part.Write(audio)

	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/music", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req
}

// uploadTrack uploads fake audio and returns the issued submission id.
func uploadTrack(t *testing.T, ta *testApp, ms int) int {
	t.Helper()

	resp, err := ta.app.Test(createUploadRequest(t, trackOfMs(ms), "song", "band"), -1)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	id, ok := result["music_id"].(float64)
	if !ok {
		t.Fatalf("expected numeric music_id, got %v", result["music_id"])
	}
	return int(id)
}

// dispatchTrack posts the stem selection and returns the response.
func dispatchTrack(t *testing.T, ta *testApp, id int, instruments string) (*http.Response, error) {
	t.Helper()

	form := url.Values{}
	form.Set("instruments", instruments)
	return doRequest(ta.app, http.MethodPost, fmt.Sprintf("/music/%d", id), form.Encode(), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
}

// completeAllTasks drives every dispatched task to success, echoing each
// chunk payload as all four stems.
func completeAllTasks(t *testing.T, ta *testApp) {
	t.Helper()
	for i, h := range ta.pool.Handles() {
		h.SucceedEcho(ta.pool.Payload(h.ID()), i)
	}
}

// doRequest performs an HTTP request against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses the response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// assertErrorCode checks the error envelope code.
func assertErrorCode(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	result := parseJSON(t, resp)
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", result)
	}
	if errObj["code"] != expected {
		t.Errorf("expected error code %s, got %v", expected, errObj["code"])
	}
}
