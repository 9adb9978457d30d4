// Package tasks 定义了发送到 Kafka 的任务结构。
package tasks

// IngestTask 表示一个等待切分与索引的法规文档。
type IngestTask struct {
	TaskID      string `json:"task_id"`
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path"`
}
