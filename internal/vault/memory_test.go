package vault

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryVault_PutAndGet(t *testing.T) {
	tests := []struct {
		name string
		key  string
		data []byte
	}{
		{"simple archive", testKey, []byte("hello world")},
		{"empty archive", "D_1/notes-from-annotator/a.cif.age", []byte{}},
		{"binary archive", "D_1/messages-from-depositor/a.cif.age", []byte{0x00, 0xFF, 0x42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewMemoryVault("test")
			ctx := context.Background()

			if err := v.Put(ctx, tt.key, bytes.NewReader(tt.data), int64(len(tt.data))); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			var buf bytes.Buffer
			if err := v.Get(ctx, tt.key, &buf); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tt.data) {
				t.Errorf("Get() = %v, want %v", buf.Bytes(), tt.data)
			}
		})
	}
}

func TestMemoryVault_GetNotFound(t *testing.T) {
	v := NewMemoryVault("test")

	var buf bytes.Buffer
	if err := v.Get(context.Background(), "missing", &buf); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryVault_PutSizeMismatch(t *testing.T) {
	v := NewMemoryVault("test")

	err := v.Put(context.Background(), testKey, strings.NewReader("hello"), 100)
	if err == nil {
		t.Error("Put() expected error for size mismatch")
	}
}

func TestMemoryVault_List(t *testing.T) {
	v := NewMemoryVault("test")
	ctx := context.Background()
	for _, k := range []string{"D_1/b", "D_1/a", "D_2/a"} {
		v.Put(ctx, k, strings.NewReader("x"), 1)
	}

	got, err := v.List(ctx, "D_1/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if strings.Join(got, ",") != "D_1/a,D_1/b" {
		t.Errorf("List() = %v", got)
	}
}

func TestMemoryVault_ValidateSetup(t *testing.T) {
	if err := NewMemoryVault("test").ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
