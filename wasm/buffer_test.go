package wasm

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBufferHoldsResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newResponseBuffer(rec)

	b.Header().Set("Content-Type", "text/plain")
	b.WriteHeader(http.StatusAccepted)
	b.Write([]byte("hello"))
	b.Flush()

	// Nothing reaches the wire while the buffer is attached.
	if rec.Body.Len() != 0 || len(rec.Header()) != 0 {
		t.Fatal("buffered response leaked before release")
	}

	if err := b.release(); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("code = %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("content-type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestBufferWriteImpliesOK(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newResponseBuffer(rec)
	b.Write([]byte("x"))
	// WriteHeader after the first write is ignored, like net/http.
	b.WriteHeader(http.StatusTeapot)
	b.release()

	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
}

func TestBufferSplitTrailers(t *testing.T) {
	t.Run("declared", func(t *testing.T) {
		b := newResponseBuffer(httptest.NewRecorder())
		b.Header().Set("Trailer", "Grpc-Status, Grpc-Message")
		b.Write([]byte("data"))
		b.Header().Set("Grpc-Status", "1")
		b.Header().Set("Grpc-Message", "oops")
		b.splitTrailers()

		if got := b.trailers.Get("Grpc-Status"); got != "1" {
			t.Errorf("grpc-status = %q", got)
		}
		if got := b.trailers.Get("Grpc-Message"); got != "oops" {
			t.Errorf("grpc-message = %q", got)
		}
		if b.header.Get("Grpc-Status") != "" || b.header.Get("Trailer") != "" {
			t.Error("trailer entries remain in header map")
		}
	})

	t.Run("prefix", func(t *testing.T) {
		b := newResponseBuffer(httptest.NewRecorder())
		b.header[http.TrailerPrefix+"Grpc-Status"] = []string{"0"}
		b.splitTrailers()
		if got := b.trailers.Get("Grpc-Status"); got != "0" {
			t.Errorf("grpc-status = %q", got)
		}
	})
}

func TestBufferReleaseWritesTrailers(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newResponseBuffer(rec)
	b.Header().Set("Trailer", "Grpc-Status")
	b.Write([]byte("payload"))
	b.Header().Set("Grpc-Status", "1")
	b.splitTrailers()

	if err := b.release(); err != nil {
		t.Fatal(err)
	}
	res := rec.Result()
	if got := res.Trailer.Get("Grpc-Status"); got != "1" {
		t.Errorf("trailer = %q", got)
	}
}

func TestBufferDiscard(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newResponseBuffer(rec)
	b.Write([]byte("secret"))
	b.discard()
	if err := b.release(); err != nil {
		t.Fatal(err)
	}
	if rec.Body.Len() != 0 {
		t.Error("discarded buffer reached the wire")
	}
}

func TestBufferReleaseIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newResponseBuffer(rec)
	b.Write([]byte("once"))
	b.release()
	b.release()
	if rec.Body.String() != "once" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
