package database

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// sqlitePrefix selects the embedded sqlite driver instead of PostgreSQL
const sqlitePrefix = "sqlite://"

// Connect establishes a connection to the database. DSNs starting with
// sqlite:// open an embedded sqlite file, anything else is handed to PostgreSQL.
func Connect(dsn string, logLevel logger.LogLevel) error {
	db, err := Open(dsn, logLevel)
	if err != nil {
		return err
	}
	DB = db
	log.Println("Database connection established")
	return nil
}

// Open opens a database without touching the global instance
func Open(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if strings.HasPrefix(dsn, sqlitePrefix) {
		// sqlite allows a single writer; serialise through one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to configure sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Models lists every table managed by AutoMigrate
func Models() []interface{} {
	return []interface{}{
		&SlackSettings{},
		&EscalationSettings{},
		&MetricDefinition{},
		&MetricReading{},
		&VarianceRecord{},
		&BreachNotification{},
		&EscalationPolicy{},
		&EscalationExecution{},
		&Incident{},
	}
}

// AutoMigrate runs database migrations
func AutoMigrate() error {
	return Migrate(DB)
}

// Migrate runs migrations against the given database
func Migrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// InitializeDefaults creates default records if they don't exist
func InitializeDefaults() error {
	log.Println("Initializing default database records...")

	// Create default Slack settings if they don't exist
	var count int64
	DB.Model(&SlackSettings{}).Count(&count)
	if count == 0 {
		defaultSlackSettings := &SlackSettings{
			Enabled: false, // Disabled by default until configured
		}
		if err := DB.Create(defaultSlackSettings).Error; err != nil {
			return fmt.Errorf("failed to create default slack settings: %w", err)
		}
		log.Println("Created default Slack settings (disabled)")
	}

	if _, err := GetOrCreateEscalationSettings(DB); err != nil {
		return fmt.Errorf("failed to create default escalation settings: %w", err)
	}

	return nil
}

// GetSlackSettings retrieves Slack settings from the database
func GetSlackSettings() (*SlackSettings, error) {
	var settings SlackSettings
	if err := DB.First(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateSlackSettings updates Slack settings in the database
func UpdateSlackSettings(settings *SlackSettings) error {
	return DB.Save(settings).Error
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetOrCreateEscalationSettings retrieves or creates escalation settings (singleton).
// It takes the db explicitly so callers can pass a transaction.
func GetOrCreateEscalationSettings(db *gorm.DB) (*EscalationSettings, error) {
	var settings EscalationSettings
	result := db.First(&settings)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		settings = *NewDefaultEscalationSettings()
		if err := db.Create(&settings).Error; err != nil {
			return nil, err
		}
	} else if result.Error != nil {
		return nil, result.Error
	}
	return &settings, nil
}

// UpdateEscalationSettings updates escalation settings.
// Save() writes zero values too, so disabling a flag sticks.
func UpdateEscalationSettings(db *gorm.DB, settings *EscalationSettings) error {
	return db.Save(settings).Error
}
