package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Body {
	t.Helper()
	var body Body
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	return body
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, CodeChecksumMismatch, "сумма не совпала")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("статус: хотели 400, получили %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: %q", ct)
	}
	body := decode(t, rec)
	if body.Error.Code != CodeChecksumMismatch || body.Error.Message != "сумма не совпала" {
		t.Errorf("тело: %+v", body)
	}
	if body.Error.ExpectedOffset != nil {
		t.Error("expected_offset не должен передаваться для прочих ошибок")
	}
}

func TestOutOfOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	OutOfOrder(rec, "вне очереди", 0)

	body := decode(t, rec)
	if body.Error.Code != CodeOutOfOrder {
		t.Errorf("code: %s", body.Error.Code)
	}
	// Нулевое смещение тоже передаётся
	if body.Error.ExpectedOffset == nil || *body.Error.ExpectedOffset != 0 {
		t.Errorf("expected_offset: %v", body.Error.ExpectedOffset)
	}
}

func TestRangeNotSatisfiable(t *testing.T) {
	rec := httptest.NewRecorder()
	RangeNotSatisfiable(rec, "диапазон", 1234)

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("статус: хотели 416, получили %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */1234" {
		t.Errorf("Content-Range: %q", got)
	}
}
