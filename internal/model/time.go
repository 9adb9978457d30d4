package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// LocalTime 在 JSON 中格式化为 "YYYY-MM-DD HH:MM:SS"。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	formatted := fmt.Sprintf("\"%s\"", time.Time(t).Format(timeFormat))
	return []byte(formatted), nil
}

// MarshalJSON 以 LocalTime 格式输出文档的创建与处理时间。
func (d RegulationDocument) MarshalJSON() ([]byte, error) {
	type plain RegulationDocument
	var processedAt *LocalTime
	if d.ProcessedAt != nil {
		t := LocalTime(*d.ProcessedAt)
		processedAt = &t
	}
	return json.Marshal(struct {
		plain
		CreatedAt   LocalTime  `json:"createdAt"`
		ProcessedAt *LocalTime `json:"processedAt"`
		StatusText  string     `json:"statusText"`
	}{
		plain:       plain(d),
		CreatedAt:   LocalTime(d.CreatedAt),
		ProcessedAt: processedAt,
		StatusText:  d.StatusText(),
	})
}
