package models

import (
	"log"
	"time"

	"PromptToVideo-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM init failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("obtain sql.DB failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("database ping failed: %v", err)
	}

	GormDB = db
	log.Println("database connected")

	if err := db.AutoMigrate(
		&Project{},
		&Scene{},
		&Shot{},
		&AudioAsset{},
		&PhaseRecord{},
		&Conversation{},
		&AuditRecord{},
	); err != nil {
		log.Fatalf("auto migrate failed: %v", err)
	}
}
