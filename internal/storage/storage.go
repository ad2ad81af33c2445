package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// Store 管理上传根目录下的文件 blob。
// 文件按原始文件名的 md5 存放（兼容既有磁盘布局，非完整性校验），
// 通过 afero 抽象文件系统，测试可用 MemMapFs。
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore 创建上传目录存储；目录不存在时会创建。
func NewStore(fs afero.Fs, root string) (*Store, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	return &Store{fs: fs, root: root}, nil
}

// PathFor 返回文件名对应的 blob 路径：root + md5(filename)。
func (s *Store) PathFor(filename string) string {
	sum := md5.Sum([]byte(filename))
	return filepath.Join(s.root, hex.EncodeToString(sum[:]))
}

// Exists 检查 blob 是否在磁盘上。
func (s *Store) Exists(filename string) bool {
	ok, err := afero.Exists(s.fs, s.PathFor(filename))
	return err == nil && ok
}

// Save 将上传内容写入 blob；同名文件直接覆盖。
func (s *Store) Save(filename string, r io.Reader) error {
	f, err := s.fs.Create(s.PathFor(filename))
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// Open 打开 blob 并返回文件与大小，供 HTTP 层流式输出。
func (s *Store) Open(filename string) (afero.File, int64, error) {
	path := s.PathFor(filename)
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob: %w", err)
	}
	return f, info.Size(), nil
}

// Remove 删除 blob；文件不存在不视为错误。
func (s *Store) Remove(filename string) error {
	err := s.fs.Remove(s.PathFor(filename))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}
