package translation

import (
	"testing"
	"time"
)

func TestComputeChecksum(t *testing.T) {
	// SHA-256 пустой строки — известный вектор
	const emptySHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := ComputeChecksum(nil); got != emptySHA {
		t.Errorf("ComputeChecksum(nil) = %q, хотели %q", got, emptySHA)
	}

	a := []byte(`{"fr":{"common.hello":"Bonjour"}}`)
	b := []byte(`{"fr":{"common.hello":"Salut"}}`)
	if ComputeChecksum(a) != ComputeChecksum(append([]byte(nil), a...)) {
		t.Error("ComputeChecksum недетерминирован")
	}
	if ComputeChecksum(a) == ComputeChecksum(b) {
		t.Error("разное содержимое дало одинаковый checksum")
	}
	if len(ComputeChecksum(a)) != 64 {
		t.Errorf("длина checksum = %d, хотели 64", len(ComputeChecksum(a)))
	}
}

func TestDeriveVersion(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	tests := []struct {
		filename string
		want     string
	}{
		{"2025-01-01_120000.json", "2025-01-01_120000"},
		{"mobile_2024-12-31_235959_fr.json", "2024-12-31_235959"},
		{"migrations/mobile/2025-01-01_120000.json", "2025-01-01_120000"},
		// Шаблон в каталоге, но не в basename — берётся время обнаружения
		{"2025-01-01_120000/latest.json", "2025-03-04_050607"},
		{"latest.json", "2025-03-04_050607"},
		{"", "2025-03-04_050607"},
		{`migrations\mobile\2025-02-02_101010.json`, "2025-02-02_101010"},
	}

	for _, tt := range tests {
		if got := DeriveVersion(tt.filename, now); got != tt.want {
			t.Errorf("DeriveVersion(%q) = %q, хотели %q", tt.filename, got, tt.want)
		}
	}
}
