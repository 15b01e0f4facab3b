// fs.go — реализация Store поверх локального каталога.
// Используется для локального запуска и в тестах.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSStore — Store, где ключ — относительный путь внутри root.
type FSStore struct {
	root string
}

// NewFSStore создаёт хранилище в каталоге root (создаётся при необходимости).
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("недопустимый ключ: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// List возвращает объекты в каталоге префикса (без рекурсии).
// Префикс должен заканчиваться на "/".
func (s *FSStore) List(_ context.Context, prefix string) ([]Object, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fs list %s: %w", prefix, err)
	}

	result := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		obj := Object{Key: prefix + e.Name(), Name: e.Name()}
		if info, err := e.Info(); err == nil {
			obj.LastModified = info.ModTime()
		}
		result = append(result, obj)
	}
	return result, nil
}

// Get читает объект.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("fs get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("fs get %s: %w", key, err)
	}
	return data, nil
}

// Put атомарно записывает объект (temp-файл + rename).
func (s *FSStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fs put %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fs put %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fs put %s: запись: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fs put %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fs put %s: rename: %w", key, err)
	}
	return nil
}

// Exists проверяет наличие объекта.
func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("fs stat %s: %w", key, err)
	}
	return true, nil
}
