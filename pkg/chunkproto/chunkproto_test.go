package chunkproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksum_Wraps(t *testing.T) {
	payload := bytes.Repeat([]byte{0xFF}, 3) // 765 mod 256 = 253
	if got := Checksum(payload); got != 253 {
		t.Errorf("Checksum: хотели 253, получили %d", got)
	}
	if got := Checksum(nil); got != 0 {
		t.Errorf("Checksum(nil): хотели 0, получили %d", got)
	}
}

func TestEncodeParse(t *testing.T) {
	payload := []byte("hello, chunk")
	env, err := Encode(100, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(env) != HeaderSize+len(payload) {
		t.Fatalf("длина: хотели %d, получили %d", HeaderSize+len(payload), len(env))
	}

	h, got, err := Parse(env)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Start != 100 || h.End != 111 {
		t.Errorf("диапазон: хотели [100, 111], получили [%d, %d]", h.Start, h.End)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: хотели %q, получили %q", payload, got)
	}
}

func TestParse_Errors(t *testing.T) {
	valid, _ := Encode(0, []byte("abcd"))

	badChecksum := bytes.Clone(valid)
	badChecksum[8]++

	// end < start, checksum корректна для пустого payload
	inverted := []byte{0, 0, 0, 5, 0, 0, 0, 1, 0}

	// заявлено 10 байт, передано 4
	shortPayload := bytes.Clone(valid)
	shortPayload[7] = 9

	tests := []struct {
		name string
		env  []byte
		want error
	}{
		{"пустое тело", nil, ErrShortHeader},
		{"8 байт", make([]byte, 8), ErrShortHeader},
		{"неверная сумма", badChecksum, ErrChecksum},
		{"end меньше start", inverted, ErrInvalidRange},
		{"длина не совпадает", shortPayload, ErrLengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.env)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse: хотели %v, получили %v", tt.want, err)
			}
		})
	}
}

func TestParse_ChecksumBeforeRange(t *testing.T) {
	// Заголовок с некорректным диапазоном и неверной суммой:
	// сумма проверяется первой.
	env := []byte{0, 0, 0, 5, 0, 0, 0, 1, 7, 'x'}
	if _, _, err := Parse(env); !errors.Is(err, ErrChecksum) {
		t.Errorf("ожидалась ErrChecksum, получили %v", err)
	}
}

func TestEncode_Bounds(t *testing.T) {
	if _, err := Encode(0, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("пустой payload: ожидалась ErrEmptyPayload, получили %v", err)
	}
	if _, err := Encode(MaxOffset, []byte("ab")); err == nil {
		t.Error("end > MaxOffset: ожидалась ошибка")
	}
	if _, err := Encode(MaxOffset, []byte("a")); err != nil {
		t.Errorf("последний байт адресного пространства: неожиданная ошибка %v", err)
	}
}
