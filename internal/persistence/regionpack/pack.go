package regionpack

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	Version = 1
	Ext     = ".pack.zst"
)

// Header is the first line of a pack stream; asset bytes follow in order.
type Header struct {
	Version int         `json:"version"`
	Ref     string      `json:"ref"`
	Assets  []AssetInfo `json:"assets"`
}

type AssetInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Asset struct {
	Name string
	Data []byte
}

func (h Header) TotalBytes() int64 {
	var n int64
	for _, a := range h.Assets {
		n += a.Size
	}
	return n
}

// PathFor is where the pack for ref lives under dir.
func PathFor(dir, ref string) (string, error) {
	if err := validRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(dir, ref+Ext), nil
}

func validRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("empty resource ref")
	}
	if ref != filepath.Base(ref) || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return fmt.Errorf("invalid resource ref %q", ref)
	}
	return nil
}

func WritePack(path, ref string, assets []Asset) error {
	if err := validRef(ref); err != nil {
		return err
	}
	h := Header{Version: Version, Ref: ref}
	seen := map[string]bool{}
	for _, a := range assets {
		if a.Name == "" || seen[a.Name] {
			return fmt.Errorf("pack %s: empty or duplicate asset name %q", ref, a.Name)
		}
		seen[a.Name] = true
		h.Assets = append(h.Assets, AssetInfo{Name: a.Name, Size: int64(len(a.Data))})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeStream(f, h, assets); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeStream(w io.Writer, h Header, assets []Asset) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(h)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	for _, a := range assets {
		if _, err := bw.Write(a.Data); err != nil {
			_ = enc.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// reader is an open pack positioned at the first asset byte.
type reader struct {
	f   *os.File
	dec *zstd.Decoder
	br  *bufio.Reader
	hdr Header
}

func openPack(path string) (*reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &reader{f: f, dec: dec, br: bufio.NewReaderSize(dec, 256*1024)}
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("pack header: %w", err)
	}
	if err := json.Unmarshal(line, &r.hdr); err != nil {
		r.Close()
		return nil, fmt.Errorf("pack header: %w", err)
	}
	if r.hdr.Version != Version {
		r.Close()
		return nil, fmt.Errorf("pack header: unsupported version %d", r.hdr.Version)
	}
	for _, a := range r.hdr.Assets {
		if a.Size < 0 {
			r.Close()
			return nil, fmt.Errorf("pack header: asset %s has negative size", a.Name)
		}
	}
	return r, nil
}

func (r *reader) Close() {
	r.dec.Close()
	_ = r.f.Close()
}

func ReadHeader(path string) (Header, error) {
	r, err := openPack(path)
	if err != nil {
		return Header{}, err
	}
	defer r.Close()
	return r.hdr, nil
}
