// errors.go — ошибки бизнес-логики сервисного слоя.
//
// InvalidStateError определена в пакете lifecycle и пробрасывается как есть.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrQueueFull — очередь применения переполнена.
	ErrQueueFull = errors.New("очередь применения переполнена")
	// ErrDispatcherStopped — очередь применения остановлена.
	ErrDispatcherStopped = errors.New("очередь применения остановлена")
)

// Коды видов ошибок, записываемые в metadata (error_kind).
const (
	KindChecksumMismatch = "checksum_mismatch"
	KindContentParse     = "content_parse"
	KindBackupFailed     = "backup_failed"
	KindBlobStoreIO      = "blob_store_io"
	KindPersistenceIO    = "persistence_io"
	KindStuckTimeout     = "stuck_timeout"
	KindDispatchFailed   = "dispatch_failed"
)

// ChecksumMismatchError — checksum скачанного содержимого не совпадает с записанным.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum не совпадает: ожидался %s, получен %s", e.Expected, e.Actual)
}

// ContentParseError — содержимое не является корректным снимком переводов.
type ContentParseError struct {
	Reason string
}

func (e *ContentParseError) Error() string {
	return "ошибка разбора содержимого: " + e.Reason
}

// BackupFailedError — резервную копию создать не удалось; применение прервано до записи.
type BackupFailedError struct {
	Err error
}

func (e *BackupFailedError) Error() string {
	return "ошибка создания резервной копии: " + e.Err.Error()
}

func (e *BackupFailedError) Unwrap() error { return e.Err }

// BlobStoreIOError — сбой объектного хранилища.
type BlobStoreIOError struct {
	Op  string
	Err error
}

func (e *BlobStoreIOError) Error() string {
	return fmt.Sprintf("ошибка хранилища (%s): %v", e.Op, e.Err)
}

func (e *BlobStoreIOError) Unwrap() error { return e.Err }

// PersistenceIOError — сбой базы данных.
type PersistenceIOError struct {
	Op  string
	Err error
}

func (e *PersistenceIOError) Error() string {
	return fmt.Sprintf("ошибка базы данных (%s): %v", e.Op, e.Err)
}

func (e *PersistenceIOError) Unwrap() error { return e.Err }

// errorKind возвращает код вида ошибки для metadata.
func errorKind(err error) string {
	var (
		cm *ChecksumMismatchError
		cp *ContentParseError
		bf *BackupFailedError
		bs *BlobStoreIOError
	)
	switch {
	case errors.As(err, &cm):
		return KindChecksumMismatch
	case errors.As(err, &cp):
		return KindContentParse
	case errors.As(err, &bf):
		return KindBackupFailed
	case errors.As(err, &bs):
		return KindBlobStoreIO
	default:
		return KindPersistenceIO
	}
}
