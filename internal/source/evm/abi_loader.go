package evm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABIs loads ABI JSON files from dirs, keyed by file name without
// extension (Raffle.json -> "Raffle"). Later directories win. Both bare ABI
// arrays and build artifacts carrying an "abi" field are accepted.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := ParseABI(data)
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
			abis[name] = a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

// ParseABI accepts a bare ABI array or an artifact object with an "abi" field.
func ParseABI(data []byte) (*abi.ABI, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return nil, err
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("artifact has no abi field")
		}
		trimmed = artifact.ABI
	}
	a, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	return &a, nil
}
