package model

// RetrievalResult 是一次检索命中的文本块及其相似度。
type RetrievalResult struct {
	Text      string  `json:"text"`
	DocName   string  `json:"doc_name"`
	PageRange string  `json:"page_range"`
	Summary   string  `json:"summary"`
	ChunkID   int64   `json:"chunk_id"`
	Score     float64 `json:"score"`
}

// Fragment 是待审查的程序文件（SOP）片段。
type Fragment struct {
	Text      string `json:"text"`
	DocName   string `json:"doc_name"`
	PageRange string `json:"page_range"`
}

// FragmentStatus 是单个片段在分析流程中的状态。
type FragmentStatus string

const (
	FragmentPending    FragmentStatus = "PENDING"
	FragmentRetrieving FragmentStatus = "RETRIEVING"
	FragmentPrompting  FragmentStatus = "PROMPTING"
	FragmentDone       FragmentStatus = "DONE"
	FragmentFailed     FragmentStatus = "FAILED"
)

// Issue 是从分析文本中解析出的一条合规问题。
type Issue struct {
	SOPText  string `json:"sop_text"`
	Why      string `json:"why"`
	Citation string `json:"citation"`
}

// FragmentResult 是单个片段的分析结果。
type FragmentResult struct {
	ChunkText      string            `json:"chunk_text"`
	AnalysisResult string            `json:"analysis_result"`
	Status         FragmentStatus    `json:"status"`
	NoIssues       bool              `json:"no_issues"`
	Issues         []Issue           `json:"issues,omitempty"`
	Context        []RetrievalResult `json:"-"`
}

// StorageInfo 报告索引与元数据库的位置。
type StorageInfo struct {
	VectorIndexPath string `json:"vector_index_path"`
	MetadataDBPath  string `json:"metadata_db_path"`
}

// AuditResponse 是 /api/audit/search 的响应体。
type AuditResponse struct {
	Success           bool              `json:"success"`
	Query             string            `json:"query"`
	IndividualResults []FragmentResult  `json:"individual_results"`
	BaseContext       []RetrievalResult `json:"base_context"`
	StorageInfo       StorageInfo       `json:"storage_info"`
}
