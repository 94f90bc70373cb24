package logbuf

import (
	"reflect"
	"testing"
)

func TestWriteSplitsLines(t *testing.T) {
	r := New(10)
	r.Write([]byte("one\ntwo\nthree\n"))

	want := []string{"one", "two", "three"}
	if got := r.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPartialLineHeldBack(t *testing.T) {
	r := New(10)
	r.Write([]byte("hel"))
	r.Write([]byte("lo\nwor"))

	if got := r.Lines(); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Errorf("expected only complete lines, got %v", got)
	}

	r.Write([]byte("ld\n"))
	if got := r.Lines(); !reflect.DeepEqual(got, []string{"hello", "world"}) {
		t.Errorf("expected both lines, got %v", got)
	}
}

func TestOverwriteKeepsNewest(t *testing.T) {
	r := New(3)
	r.Write([]byte("1\n2\n3\n4\n5\n"))

	want := []string{"3", "4", "5"}
	if got := r.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if r.Len() != 3 {
		t.Errorf("expected len 3, got %d", r.Len())
	}
}

func TestTail(t *testing.T) {
	r := New(10)
	r.Write([]byte("a\nb\nc\nd\n"))

	if got := r.Tail(2); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Errorf("expected last two lines, got %v", got)
	}
	if got := r.Tail(100); len(got) != 4 {
		t.Errorf("expected all lines, got %v", got)
	}
}

func TestCRLFTrimmed(t *testing.T) {
	r := New(5)
	r.Write([]byte("windows line\r\n"))

	if got := r.Lines(); !reflect.DeepEqual(got, []string{"windows line"}) {
		t.Errorf("expected CR stripped, got %q", got)
	}
}
