package passphrase

import (
	"os"
	"testing"
)

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("SALE_TEST_PASS", "hunter2")
	src := NewSource("SALE_TEST_PASS")

	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("unexpected passphrase %q", got)
	}

	os.Setenv("SALE_TEST_PASS", "changed")
	got, err = src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("expected cached passphrase, got %q (%v)", got, err)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("SALE_TEST_PASS", "   ")
	if _, err := NewSource("SALE_TEST_PASS").Get(); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}
