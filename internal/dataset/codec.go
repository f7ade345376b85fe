package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// MaxCompressionLevel 是允许的最高 zstd 级别。
const MaxCompressionLevel = 22

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Encode 将数据集写为 gridfile 文档。level 为 0 时输出未压缩 JSON，
// 1..22 时按对应 zstd 等级压缩。
func Encode(w io.Writer, ds *Dataset, level int) error {
	if level < 0 || level > MaxCompressionLevel {
		return fmt.Errorf("compression level %d out of range 0..%d", level, MaxCompressionLevel)
	}
	if level == 0 {
		return json.NewEncoder(w).Encode(ds)
	}

	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(ds); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Decode 读取 gridfile 文档，自动解压 zstd 帧。
func Decode(r io.Reader) (*Dataset, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
	}

	ds := New()
	if err := json.NewDecoder(src).Decode(ds); err != nil {
		return nil, fmt.Errorf("decode gridfile: %w", err)
	}
	if ds.Attrs == nil {
		ds.Attrs = Attrs{}
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// ReadFile 解码 path 处的 gridfile。
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// WriteFile 先写临时文件再重命名，避免读者看到半写入的文件。
func WriteFile(path string, ds *Dataset, level int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".gridfile-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := Encode(tmp, ds, level); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
