package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/qimed/medbench/internal/bench/model"
)

// IndexFile is the name of the per-tool database index within a database
// directory.
const IndexFile = "database_index.json"

// NoData is the sentinel returned for any lookup that has no stored
// payload. The model sees it as legitimate, if unhelpful, tool output.
var NoData = json.RawMessage(`{"status": "no_data_available"}`)

// GenerationStats records how a database directory was produced.
type GenerationStats struct {
	TotalProcessed  int     `json:"total_processed"`
	TotalFailed     int     `json:"total_failed"`
	DurationSeconds float64 `json:"duration_seconds"`
	GeneratedAt     string  `json:"generated_at"`
}

// Index describes the database files of one generation run.
type Index struct {
	Tools           []Tool           `json:"tools"`
	Patients        []string         `json:"patients"`
	DatabaseFiles   []string         `json:"database_files"`
	GenerationStats *GenerationStats `json:"generation_stats,omitempty"`
}

// Store maps (tool id, patient id) to a precomputed JSON payload. It is
// immutable after Load and safe for concurrent readers without locking.
type Store struct {
	databases map[string]map[string]json.RawMessage
}

// NewStore builds a store from an in-memory database map, mainly for tests
// and for generators that have just produced the data.
func NewStore(databases map[string]map[string]json.RawMessage) *Store {
	if databases == nil {
		databases = map[string]map[string]json.RawMessage{}
	}
	return &Store{databases: databases}
}

// Load reads a database directory via its index file. A missing directory
// or index yields an empty store: absent tool data is not an error, every
// lookup will resolve to the sentinel. Listed database files that do not
// exist are skipped.
func Load(dir string) (*Store, error) {
	s := NewStore(nil)

	indexPath := filepath.Join(dir, IndexFile)
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		slog.Warn("Database index not found, using empty store", "path", indexPath)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read database index: %w", err)
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse database index: %w", err)
	}

	for _, file := range index.DatabaseFiles {
		path := filepath.Join(dir, file)
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			slog.Warn("Listed database file missing, skipping", "file", file)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read database file %s: %w", file, err)
		}

		var db map[string]json.RawMessage
		if err := json.Unmarshal(raw, &db); err != nil {
			return nil, fmt.Errorf("failed to parse database file %s: %w", file, err)
		}

		// File names follow {tool_id}_{tool_name}_database.json.
		toolID, _, ok := strings.Cut(file, "_")
		if !ok || toolID == "" {
			slog.Warn("Unrecognized database file name, skipping", "file", file)
			continue
		}
		s.databases[toolID] = db
	}

	return s, nil
}

// Lookup returns the stored payload for the tool and patient, or the
// NoData sentinel. It never fails and never mutates the store.
func (s *Store) Lookup(toolID, patientID string) json.RawMessage {
	if db, ok := s.databases[toolID]; ok {
		if payload, ok := db[patientID]; ok {
			return payload
		}
	}
	return NoData
}

// ToolIDs returns the tool identifiers that have at least one record.
func (s *Store) ToolIDs() []string {
	ids := make([]string, 0, len(s.databases))
	for id := range s.databases {
		ids = append(ids, id)
	}
	return ids
}

// DatabaseFileName returns the canonical file name for one tool database.
func DatabaseFileName(t Tool) string {
	return fmt.Sprintf("%s_%s_database.json", t.ToolID, t.ToolName)
}

// SaveIndex writes the database index for a generation run.
func SaveIndex(dir string, index Index) error {
	return model.WriteJSON(filepath.Join(dir, IndexFile), index)
}
