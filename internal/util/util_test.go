package util

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestNormalizeURL(t *testing.T) {
	test.That(t, NormalizeURL(" api.example.com/ "), test.ShouldEqual, "http://api.example.com")
	test.That(t, NormalizeURL("https://api.example.com//"), test.ShouldEqual, "https://api.example.com")
	test.That(t, NormalizeURL(""), test.ShouldEqual, "")
}

func TestResolvePath(t *testing.T) {
	test.That(t, ResolvePath("base", "data"), test.ShouldEqual, filepath.Join("base", "data"))
	abs := filepath.Join(t.TempDir(), "x")
	test.That(t, ResolvePath("base", abs), test.ShouldEqual, abs)
}

func TestWriteJSONFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "f.json")
	test.That(t, WriteJSONFile(p, map[string]int{"a": 1}), test.ShouldBeNil)
	b, err := os.ReadFile(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldEqual, "{\n  \"a\": 1\n}")
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	test.That(t, r.Len(), test.ShouldEqual, 3)
	test.That(t, r.Snapshot(), test.ShouldResemble, []int{3, 4, 5})
}
