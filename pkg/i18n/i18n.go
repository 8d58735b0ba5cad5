package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ShuttingDown       string
	ShutdownComplete   string
	ConfigLoadFailed   string
	AccountsLoadFailed string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	DryRunMode         string
	MetricsInit        string

	// Accounts / loops
	AccountsLoaded     string
	LoopStarted        string
	LoopStopped        string
	NoEligibleBroker   string
	OrchestratorReady  string
	ApprovalsRecovered string

	// Strategy
	DemoProviderEnabled    string
	WorkerProviderEnabled  string
	WorkerProviderFailed   string

	// Execution
	AuditFlushFailed string
	CircuitTripped   string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting broker execution core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete.",
	ConfigLoadFailed:   "Failed to load config: %v",
	AccountsLoadFailed: "Failed to load accounts config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	DryRunMode:         "Running in DRY-RUN mode (orders will NOT hit any broker)",
	MetricsInit:        "System metrics initialized (instance %s)",

	AccountsLoaded:     "Loaded %d accounts across %d brokers",
	LoopStarted:        "Trading loop started: account=%s broker=%s",
	LoopStopped:        "Trading loop stopped: account=%s",
	NoEligibleBroker:   "No eligible broker for account %s: %s",
	OrchestratorReady:  "Orchestrator ready (%d loops)",
	ApprovalsRecovered: "Recovered %d pending approvals from DB",

	DemoProviderEnabled:   "Demo strategy provider enabled",
	WorkerProviderEnabled: "Strategy worker enabled at %s",
	WorkerProviderFailed:  "Strategy worker init failed, falling back to demo provider: %v",

	AuditFlushFailed: "Audit flush failed: %v",
	CircuitTripped:   "Circuit tripped for broker %s: %s",
}

// Chinese messages
var messagesZH = Messages{
	Starting:           "啟動券商執行核心...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成。",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	AccountsLoadFailed: "讀取帳戶設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	DryRunMode:         "DRY-RUN 模式（不會送出真實委託）",
	MetricsInit:        "系統指標初始化完成（實例 %s）",

	AccountsLoaded:     "已載入 %d 個帳戶，共 %d 個券商",
	LoopStarted:        "交易迴圈已啟動：帳戶=%s 券商=%s",
	LoopStopped:        "交易迴圈已停止：帳戶=%s",
	NoEligibleBroker:   "帳戶 %s 無可用券商：%s",
	OrchestratorReady:  "調度器就緒（%d 個迴圈）",
	ApprovalsRecovered: "自資料庫恢復 %d 筆待審核委託",

	DemoProviderEnabled:   "示範策略供應器已啟用",
	WorkerProviderEnabled: "策略 worker 已啟用，位址 %s",
	WorkerProviderFailed:  "初始化策略 worker 失敗，改用示範供應器：%v",

	AuditFlushFailed: "稽核記錄寫入失敗：%v",
	CircuitTripped:   "券商 %s 熔斷器已觸發：%s",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
