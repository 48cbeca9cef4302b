package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangES Language = "es"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	HealthListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	LockHeld           string

	// Trades (user-facing)
	TradeExecuted   string
	TradeNoRoute    string
	TradeFailed     string
	TradeQueued     string
	AutoTradeQueued string

	// AI (user-facing)
	AIFailed string

	// Preferences (user-facing)
	AutoTradeEnabled  string
	AutoTradeDisabled string
	RiskProfileSet    string

	// Services
	WatcherStarted  string
	ResyncStarted   string
	FirewallStarted string
	WorkersStarted  string
	JobsRecovered   string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting Nexus engine...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	HealthListening:    "gRPC health service listening on %s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	LockHeld:           "Another engine already holds %s",

	// Trades
	TradeExecuted:   "✅ *Trade executed:* `%s %s %s`",
	TradeNoRoute:    "⚠️ No route available for `%s %s`. Nothing was traded.",
	TradeFailed:     "❌ Your trade could not be completed. Please try again later.",
	TradeQueued:     "⏳ Trade queued: `%s %s %s`",
	AutoTradeQueued: "🤖 Auto-trade: selling %s SOL",

	// AI
	AIFailed: "❌ I could not answer right now. Please try again later.",

	// Preferences
	AutoTradeEnabled:  "Auto-trading *ENABLED ✅*\nRisk profile: *%s*",
	AutoTradeDisabled: "Auto-trading *DISABLED ❌*\nRisk profile: *%s*",
	RiskProfileSet:    "Risk profile set to *%s*",

	// Services
	WatcherStarted:  "Balance watcher started (%d accounts)",
	ResyncStarted:   "Balance resync started (every %v)",
	FirewallStarted: "Firewall armed %s",
	WorkersStarted:  "Workers started: trade=%d ai=%d",
	JobsRecovered:   "Recovered %d interrupted jobs",
}

// Spanish messages
var messagesES = Messages{
	// System
	Starting:           "Iniciando motor Nexus...",
	ConfigLoaded:       "Configuración cargada (Puerto: %s)",
	UsingDBPath:        "Usando base de datos: %s",
	ServerListening:    "Servidor escuchando en :%s",
	HealthListening:    "Servicio de salud gRPC escuchando en %s",
	ShuttingDown:       "Apagando de forma ordenada...",
	ConfigLoadFailed:   "Error al cargar la configuración: %v",
	DBInitFailed:       "Error al iniciar la base de datos: %v",
	DBMigrationsFailed: "Error al aplicar migraciones: %v",
	APIServerError:     "Error del servidor API: %v",
	LockHeld:           "Otro motor ya tiene %s",

	// Trades
	TradeExecuted:   "✅ *Operación ejecutada:* `%s %s %s`",
	TradeNoRoute:    "⚠️ No hay ruta disponible para `%s %s`. No se operó nada.",
	TradeFailed:     "❌ No se pudo completar tu operación. Inténtalo más tarde.",
	TradeQueued:     "⏳ Operación en cola: `%s %s %s`",
	AutoTradeQueued: "🤖 Auto-trade: vendiendo %s SOL",

	// AI
	AIFailed: "❌ No pude responder ahora. Inténtalo más tarde.",

	// Preferences
	AutoTradeEnabled:  "Auto-trading *ACTIVADO ✅*\nPerfil de riesgo: *%s*",
	AutoTradeDisabled: "Auto-trading *DESACTIVADO ❌*\nPerfil de riesgo: *%s*",
	RiskProfileSet:    "Perfil de riesgo: *%s*",

	// Services
	WatcherStarted:  "Vigilante de saldos iniciado (%d cuentas)",
	ResyncStarted:   "Resincronización de saldos iniciada (cada %v)",
	FirewallStarted: "Firewall activo %s",
	WorkersStarted:  "Workers iniciados: trade=%d ai=%d",
	JobsRecovered:   "Recuperados %d trabajos interrumpidos",
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
	case LangES:
		messages = &messagesES
	default:
		currentLang = LangEN
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
