// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeInputs(t *testing.T, dir string, files map[string][]byte) []string {
	t.Helper()
	var paths []string
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}
	return paths
}

func readOutput(t *testing.T, dir, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// S1: single 4-byte file round-trips, trailer records size and a
// compressed_size of at least 1.
func TestS1SingleFile(t *testing.T) {
	dir := t.TempDir()
	inputs := writeInputs(t, dir, map[string][]byte{"F": []byte("aaaa")})
	archivePath := filepath.Join(dir, "A")

	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	fi, _ := f.Stat()
	members, err := DecodeTrailer(f, fi.Size())
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	if members[0].Name != "F" || members[0].Size != 4 || members[0].CompressedSize < 1 {
		t.Fatalf("member = %+v, want Name=F Size=4 CompressedSize>=1", members[0])
	}

	outDir := t.TempDir()
	if err := Unbundle(archivePath, []string{"F"}, outDir); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, outDir, "F"); !bytes.Equal(got, []byte("aaaa")) {
		t.Fatalf("got %q, want %q", got, "aaaa")
	}
}

// S2: two 4-byte files, trailer order matches call order, offset[1] ==
// compressed_size[0].
func TestS2MultiMemberOrderAndOffsets(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "F1")
	f2 := filepath.Join(dir, "F2")
	os.WriteFile(f1, []byte("aaaa"), 0o644)
	os.WriteFile(f2, []byte("bbbb"), 0o644)
	archivePath := filepath.Join(dir, "A")

	if err := Bundle(archivePath, []string{f1, f2}); err != nil {
		t.Fatal(err)
	}

	af, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	fi, _ := af.Stat()
	members, err := DecodeTrailer(af, fi.Size())
	af.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].Name != "F1" || members[1].Name != "F2" {
		t.Fatalf("members = %+v, want [F1 F2] in call order", members)
	}
	if members[0].Offset != 0 {
		t.Fatalf("members[0].Offset = %d, want 0", members[0].Offset)
	}
	if members[1].Offset != members[0].CompressedSize {
		t.Fatalf("members[1].Offset = %d, want %d (members[0].CompressedSize)", members[1].Offset, members[0].CompressedSize)
	}

	outDir := t.TempDir()
	if err := Unbundle(archivePath, nil, outDir); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, outDir, "F1"); !bytes.Equal(got, []byte("aaaa")) {
		t.Fatalf("F1 = %q, want aaaa", got)
	}
	if got := readOutput(t, outDir, "F2"); !bytes.Equal(got, []byte("bbbb")) {
		t.Fatalf("F2 = %q, want bbbb", got)
	}
}

// S3: a 256-byte file with a uniform histogram round-trips.
func TestS3UniformHistogram(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 256)
	for i := range content {
		content[i] = byte(i)
	}
	inputs := writeInputs(t, dir, map[string][]byte{"F": content})
	archivePath := filepath.Join(dir, "A")

	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := Unbundle(archivePath, nil, outDir); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, outDir, "F"); !bytes.Equal(got, content) {
		t.Fatal("round trip mismatch for uniform histogram")
	}
}

// S4: mixed-frequency 9-byte member.
func TestS4MixedFrequencies(t *testing.T) {
	dir := t.TempDir()
	inputs := writeInputs(t, dir, map[string][]byte{"F": []byte("aaaabCCCx")})
	archivePath := filepath.Join(dir, "A")

	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}

	f, _ := os.Open(archivePath)
	fi, _ := f.Stat()
	members, err := DecodeTrailer(f, fi.Size())
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	if members[0].Size != 9 {
		t.Fatalf("Size = %d, want 9", members[0].Size)
	}

	outDir := t.TempDir()
	if err := Unbundle(archivePath, nil, outDir); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, outDir, "F"); !bytes.Equal(got, []byte("aaaabCCCx")) {
		t.Fatalf("got %q, want aaaabCCCx", got)
	}
}

// S5: trailer_length claiming more than the file's size is a format
// error, and produces no output files.
func TestS5TruncatedTrailerLengthIsFormatError(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "A")
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], 1_000_000)
	if err := os.WriteFile(archivePath, tail[:], 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	err := Unbundle(archivePath, nil, outDir)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("got %d output files, want 0", len(entries))
	}
}

// S6: a 0-byte member round-trips to a 0-byte file.
func TestS6EmptyFile(t *testing.T) {
	dir := t.TempDir()
	inputs := writeInputs(t, dir, map[string][]byte{"F": nil})
	archivePath := filepath.Join(dir, "A")

	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := Unbundle(archivePath, nil, outDir); err != nil {
		t.Fatal(err)
	}
	got := readOutput(t, outDir, "F")
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

// Property 4: the last 8 bytes of every archive are the trailer length,
// and seeking trailer_length bytes from the end lands exactly at the
// start of the trailer (the file_count field).
func TestTrailerSelfDelimitation(t *testing.T) {
	dir := t.TempDir()
	inputs := writeInputs(t, dir, map[string][]byte{"F1": []byte("aaaa"), "F2": []byte("bbbb")})
	archivePath := filepath.Join(dir, "A")
	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	trailerLength := binary.BigEndian.Uint64(raw[len(raw)-8:])
	trailerStart := int64(len(raw)) - int64(trailerLength)
	fileCount := binary.BigEndian.Uint64(raw[trailerStart : trailerStart+8])
	if fileCount != 2 {
		t.Fatalf("file_count at computed trailer start = %d, want 2", fileCount)
	}
}

// Name lookup errors: requesting a member absent from the trailer fails
// with ErrNameNotFound.
func TestUnbundleUnknownNameIsNameLookupError(t *testing.T) {
	dir := t.TempDir()
	inputs := writeInputs(t, dir, map[string][]byte{"F": []byte("aaaa")})
	archivePath := filepath.Join(dir, "A")
	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	err := Unbundle(archivePath, []string{"G"}, outDir)
	if !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("err = %v, want ErrNameNotFound", err)
	}
}

// Property 3: compressed_size in the trailer matches the actual bytes
// written for a member's blob, measured as the offset delta between
// consecutive members (or to the trailer, for the last one).
func TestSizeAccountingMatchesActualBlobBytes(t *testing.T) {
	dir := t.TempDir()
	inputs := writeInputs(t, dir, map[string][]byte{
		"F1": []byte("aaaabCCCx"),
		"F2": bytes.Repeat([]byte{'z'}, 500),
		"F3": nil,
	})
	archivePath := filepath.Join(dir, "A")
	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}

	f, _ := os.Open(archivePath)
	fi, _ := f.Stat()
	members, err := DecodeTrailer(f, fi.Size())
	f.Close()
	if err != nil {
		t.Fatal(err)
	}

	var trailerStart int64
	trailerLengthBuf := make([]byte, 8)
	raw, _ := os.ReadFile(archivePath)
	copy(trailerLengthBuf, raw[len(raw)-8:])
	trailerStart = int64(len(raw)) - int64(binary.BigEndian.Uint64(trailerLengthBuf))

	for i, m := range members {
		var next int64
		if i+1 < len(members) {
			next = members[i+1].Offset
		} else {
			next = trailerStart
		}
		if next-m.Offset != m.CompressedSize {
			t.Fatalf("member %q: blob spans %d bytes, trailer says CompressedSize=%d", m.Name, next-m.Offset, m.CompressedSize)
		}
	}
}

// Round-trip on a larger, pseudo-random multi-member archive, exercising
// the parallel pass-2 fan-out over several disjoint byte ranges.
func TestRoundTripManyMembers(t *testing.T) {
	dir := t.TempDir()
	files := make(map[string][]byte)
	x := uint32(99)
	for i := 0; i < 8; i++ {
		n := 200 + i*137
		content := make([]byte, n)
		for j := range content {
			x = x*1664525 + 1013904223
			content[j] = byte(x >> 24)
		}
		files[filepath.Base(filepath.Join(dir, "member"))+string(rune('A'+i))] = content
	}
	inputs := writeInputs(t, dir, files)
	archivePath := filepath.Join(dir, "A")

	if err := Bundle(archivePath, inputs); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := Unbundle(archivePath, nil, outDir); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if got := readOutput(t, outDir, name); !bytes.Equal(got, content) {
			t.Fatalf("member %q mismatch", name)
		}
	}
}

// A rewritten archive at the same path must not serve decodeCache entries
// left over from the archive it replaced, even when the first member keeps
// the same name (every archive's first member lands at offset 0 regardless
// of content, so path/name/offset alone would collide).
func TestUnbundleAfterRewriteDoesNotReturnStaleBytes(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "A")

	inputsV1 := writeInputs(t, dir, map[string][]byte{"F": []byte("old old old old")})
	if err := Bundle(archivePath, inputsV1); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := Unbundle(archivePath, []string{"F"}, outDir); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, outDir, "F"); !bytes.Equal(got, []byte("old old old old")) {
		t.Fatalf("got %q, want the v1 content", got)
	}

	dir2 := t.TempDir()
	inputsV2 := writeInputs(t, dir2, map[string][]byte{"F": []byte("new new new new new new")})
	if err := Bundle(archivePath, inputsV2); err != nil {
		t.Fatal(err)
	}

	outDir2 := t.TempDir()
	if err := Unbundle(archivePath, []string{"F"}, outDir2); err != nil {
		t.Fatal(err)
	}
	if got := readOutput(t, outDir2, "F"); !bytes.Equal(got, []byte("new new new new new new")) {
		t.Fatalf("got %q, want the v2 content (decodeCache must not return the old archive's bytes)", got)
	}
}
