// checksum.go — контрольные суммы и версии снимков переводов.
package translation

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
	"time"
)

// VersionLayout — формат версии (YYYY-MM-DD_HHMMSS).
const VersionLayout = "2006-01-02_150405"

var versionPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}_\d{6}`)

// ComputeChecksum возвращает SHA-256 (hex, нижний регистр) содержимого.
func ComputeChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DeriveVersion извлекает версию из имени файла. Учитывается только basename;
// если шаблон не найден, возвращается fallbackNow в том же формате.
func DeriveVersion(filename string, fallbackNow time.Time) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if v := versionPattern.FindString(base); v != "" {
		return v
	}
	return fallbackNow.Format(VersionLayout)
}
