// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailer_EmitsLinesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	tl := New(Config{PollInterval: MinPollInterval}, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl.Start(ctx)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"a\":1}\n{\"a\":2}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case line := <-tl.Lines():
			got = append(got, line.Text)
		case <-deadline:
			t.Fatal("timed out waiting for lines")
		}
	}

	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, got)
}

func TestTailer_BuffersTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`+"\n"+`{"a":2`), 0o600))

	tl := New(Config{PollInterval: MinPollInterval}, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl.Start(ctx)

	select {
	case line := <-tl.Lines():
		assert.Equal(t, `{"a":1}`, line.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first line")
	}

	select {
	case line := <-tl.Lines():
		t.Fatalf("unexpected second line before completion: %q", line.Text)
	case <-time.After(150 * time.Millisecond):
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-tl.Lines():
		assert.Equal(t, `{"a":2}`, line.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completed line")
	}
}

func TestTailer_SignalsVanished(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	tl := New(Config{PollInterval: MinPollInterval}, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl.Start(ctx)

	<-tl.Lines()
	require.NoError(t, os.Remove(path))

	select {
	case <-tl.Vanished():
	case <-time.After(2 * time.Second):
		t.Fatal("vanished signal never fired")
	}
}

func TestTailer_SignalsNoOutputOnTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never-appears.jsonl")

	tl := New(Config{PollInterval: MinPollInterval, FileWait: 50 * time.Millisecond}, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl.Start(ctx)

	select {
	case <-tl.NoOutput():
	case <-time.After(2 * time.Second):
		t.Fatal("no-output signal never fired")
	}
}

func TestTailer_StopDrainsTrailingLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n"), 0o600))

	tl := New(Config{PollInterval: 200 * time.Millisecond}, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl.Start(ctx)

	tl.Stop(1 * time.Second)

	var got []string
	for line := range tl.Lines() {
		got = append(got, line.Text)
	}
	assert.Equal(t, []string{`{"a":1}`}, got)
}
