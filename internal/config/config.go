package config

import (
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string
	SiteID   string

	DBDriver string
	DBDSN    string

	BlobBasePath string

	AuthHMACSecret string
	AdminUser      string
	AdminPassHash  string // bcrypt

	CORSOrigins []string

	// attempt policy
	EnforceWindow bool
	WindowGrace   time.Duration
	CloseOnSubmit bool

	// proctoring
	StrikeThreshold int
	StrikeAction    string // warn|submit
}

// FromEnv reads the configuration from the environment, after loading a
// .env file if one is present in the working directory (or at DOTENV_PATH).
func FromEnv() Config {
	loadDotEnv()

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("MODE", string(ModeOffline))
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SITE_ID", "local")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("BLOB_BASE_PATH", "./data")
	v.SetDefault("AUTH_HMAC_SECRET", "dev-secret-change-me")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:3010")
	v.SetDefault("ENFORCE_WINDOW", true)
	v.SetDefault("WINDOW_GRACE", 2*time.Minute)
	v.SetDefault("CLOSE_ON_SUBMIT", true)
	v.SetDefault("STRIKE_THRESHOLD", 3)
	v.SetDefault("STRIKE_ACTION", "warn")
	v.AutomaticEnv()

	return Config{
		Mode:            Mode(v.GetString("MODE")),
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		SiteID:          v.GetString("SITE_ID"),
		DBDriver:        v.GetString("DB_DRIVER"),
		DBDSN:           v.GetString("DB_DSN"),
		BlobBasePath:    v.GetString("BLOB_BASE_PATH"),
		AuthHMACSecret:  v.GetString("AUTH_HMAC_SECRET"),
		AdminUser:       v.GetString("ADMIN_USER"),
		AdminPassHash:   v.GetString("ADMIN_PASS_HASH"),
		CORSOrigins:     csv(v.GetString("CORS_ORIGINS")),
		EnforceWindow:   v.GetBool("ENFORCE_WINDOW"),
		WindowGrace:     v.GetDuration("WINDOW_GRACE"),
		CloseOnSubmit:   v.GetBool("CLOSE_ON_SUBMIT"),
		StrikeThreshold: v.GetInt("STRIKE_THRESHOLD"),
		StrikeAction:    strings.ToLower(v.GetString("STRIKE_ACTION")),
	}
}

// loadDotEnv loads .env if it exists (ignored if it does not). Variables
// already set in the environment win.
func loadDotEnv() {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			glog.Fatalf("config: load %s: %v", path, err)
		}
	} else if !os.IsNotExist(err) {
		glog.Fatalf("config: stat %s: %v", path, err)
	}
}

func csv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
