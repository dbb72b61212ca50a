package pgstore

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// memoryRow is the scalar row backing a memory fact. The embedding column is
// a pgvector value handled through the vectorValue type.
type memoryRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement:false"`
	UserID    string         `gorm:"index:idx_memories_scope,priority:1"`
	AgentID   string         `gorm:"index:idx_memories_scope,priority:2"`
	RunID     string         `gorm:"index:idx_memories_scope,priority:3"`
	ActorID   string         `gorm:"index"`
	Content   string         `gorm:"type:text"`
	Hash      string         `gorm:"index"`
	Embedding vectorValue    `gorm:"type:vector"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (memoryRow) TableName() string { return "memories" }

type historyRow struct {
	ID        int64 `gorm:"primaryKey"`
	MemoryID  int64 `gorm:"index"`
	Event     string
	PrevValue string `gorm:"type:text"`
	NewValue  string `gorm:"type:text"`
	Actor     string
	CreatedAt time.Time
}

func (historyRow) TableName() string { return "memory_history" }

type profileRow struct {
	ID          int64  `gorm:"primaryKey"`
	UserID      string `gorm:"uniqueIndex:idx_profiles_key,priority:1"`
	AgentID     string `gorm:"uniqueIndex:idx_profiles_key,priority:2"`
	RunID       string `gorm:"uniqueIndex:idx_profiles_key,priority:3"`
	ProfileText string `gorm:"type:text"`
	Topics      datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (profileRow) TableName() string { return "user_profiles" }

// vectorValue marshals []float32 to pgvector's text form: [0.1,0.2,...].
type vectorValue []float32

func (v vectorValue) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

func (v *vectorValue) Scan(src any) error {
	var raw string
	switch t := src.(type) {
	case nil:
		*v = nil
		return nil
	case string:
		raw = t
	case []byte:
		raw = string(t)
	default:
		return fmt.Errorf("pgstore: cannot scan %T into vector", src)
	}
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		*v = vectorValue{}
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(vectorValue, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return fmt.Errorf("pgstore: bad vector element %q: %w", part, err)
		}
		out = append(out, float32(f))
	}
	*v = out
	return nil
}
