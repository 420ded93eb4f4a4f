package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// 分頁相關常數
const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
	MinPageSize        = 1
)

// 訊息相關常數
const (
	DefaultMaxTitleLength   = 200
	DefaultMaxMessageLength = 10000
	MaxBatchOperationSize   = 100
	MaxBillBatchSize        = 500
)

// 模板相關常數
const (
	MaxTemplateNameLength = 100
	MaxTemplateVariables  = 50
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultMessageRateLimit     = 30
	DefaultBroadcastRateLimit   = 10
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// 排程派送相關常數
const (
	DefaultDispatchIntervalSeconds = 60
	DefaultDispatchBatchSize       = 100
	MaxDispatchBatchSize           = 1000
)

// MongoDB 查詢相關常數
const (
	DefaultMongoQueryLimit = 20
	MaxMongoQueryLimit     = 100
	MaxAudienceFanout      = 10000
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)
