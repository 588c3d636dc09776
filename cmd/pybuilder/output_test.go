package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestBuildOutput_Sinks(t *testing.T) {
	var buf bytes.Buffer
	out := newBuildOutput(&buf, false)

	output, verbose := out.sinks("numpy-1.23.3")
	output("$ python setup.py build_ext")
	verbose("compiling numpy/core/src/multiarray.c")

	got := buf.String()
	if got != "[numpy-1.23.3] $ python setup.py build_ext\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBuildOutput_VerboseSink(t *testing.T) {
	var buf bytes.Buffer
	out := newBuildOutput(&buf, true)

	_, verbose := out.sinks("pandas-1.5.0")
	verbose("running build_ext")

	if got := buf.String(); got != "[pandas-1.5.0] running build_ext\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBuildOutput_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	out := newBuildOutput(&buf, true)

	var wg sync.WaitGroup
	for _, pkg := range []string{"numpy", "pandas", "scipy"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			output, _ := out.sinks(pkg)
			for range 50 {
				output("line")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 150 {
		t.Fatalf("got %d lines, want 150", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "] line") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestOpenOutput_File(t *testing.T) {
	path := t.TempDir() + "/build.log"
	w, closeFn, err := openOutput(path)
	if err != nil {
		t.Fatalf("openOutput() error = %v", err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
}
