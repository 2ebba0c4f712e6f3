package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/linnix-os/linnixd/types"
)

func TestHeuristicTags(t *testing.T) {
	tests := []struct {
		name       string
		comm       string
		cgroupPath string
		want       []string
	}{
		{"shell", "bash", "", []string{"shell"}},
		{"compiler", "cc1", "", []string{"compiler"}},
		{"daemon suffix", "sshd", "", []string{"remote-access", "daemon"}},
		{"kernel worker", "kworker/0:1", "", []string{"kernel"}},
		{
			"docker container",
			"nginx",
			"/system.slice/docker-0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef.scope",
			[]string{"container:0123456789ab"},
		},
		{
			"kubernetes pod",
			"app",
			"/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-podd9c48f92_0b9e.slice/cri-containerd-77f0a8e7b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8.scope",
			[]string{"pod:d9c48f92", "k8s", "container:77f0a8e7b1c2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := heuristicTags(tt.comm, tt.cgroupPath)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("heuristicTags(%q, %q) = %v, want %v", tt.comm, tt.cgroupPath, got, tt.want)
			}
		})
	}
}

func TestTagCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags", "tagcache.json")

	tc, err := NewTagCache(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	hash := types.HashComm("nginx")
	tc.Put(hash, []string{"daemon", "web"})
	if err := tc.Close(); err != nil {
		t.Fatal(err)
	}

	// The flush is an atomic replace: no temp files linger.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the cache file, found %d entries", len(entries))
	}

	reopened, err := NewTagCache(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	tags, ok := reopened.Get(hash)
	if !ok {
		t.Fatal("tags lost across reopen")
	}
	if !reflect.DeepEqual(tags, []string{"daemon", "web"}) {
		t.Errorf("tags = %v", tags)
	}
}

func TestTagCacheBounded(t *testing.T) {
	tc, err := NewTagCache("", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer tc.Close()

	for i := uint32(0); i < 10; i++ {
		tc.Put(i, []string{"t"})
	}
	tc.front.Wait()
	held := 0
	for i := uint32(0); i < 10; i++ {
		if _, ok := tc.Get(i); ok {
			held++
		}
	}
	if held > 4 {
		t.Errorf("cache holds %d entries, cap is 4", held)
	}
	// The most recent entry always survives.
	if _, ok := tc.Get(9); !ok {
		t.Error("most recent entry evicted")
	}
}

func TestTagCacheFlushWithoutPathIsNoop(t *testing.T) {
	tc, err := NewTagCache("", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer tc.Close()
	tc.Put(1, []string{"t"})
	if err := tc.Flush(); err != nil {
		t.Errorf("pathless flush errored: %v", err)
	}
}
