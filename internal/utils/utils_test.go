package utils

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// The trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("vgg16", "224", "5")
	b := Fingerprint("vgg16", "224", "5")
	if a != b {
		t.Errorf("Fingerprint is not deterministic. Got %s, then %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("Expected 16 hex chars, got %d", len(a))
	}

	// Part boundaries matter: "ab"+"c" must differ from "a"+"bc"
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Error("Fingerprint ignores part boundaries")
	}
}

func TestGenerateDatasetID(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "001", "happiness", "take000")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	frame := filepath.Join(dir, "img_0001.jpg")
	if err := os.WriteFile(frame, []byte("fake frame"), 0644); err != nil {
		t.Fatal(err)
	}

	id, err := GenerateDatasetID(root)
	if err != nil || id == "" {
		t.Fatalf("Failed to generate ID: %v", err)
	}

	id2, _ := GenerateDatasetID(root)
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Change content -> Change ID
	if err := os.WriteFile(frame, []byte("fake frame, modified"), 0644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	os.Chtimes(frame, later, later)

	id3, _ := GenerateDatasetID(root)
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}
