package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

// Open connects to the configured database and migrates the jobs, job_events and findings tables.
// driver is "mysql" (DSN like root:root@tcp(127.0.0.1:3306)/recon?charset=utf8mb4&parseTime=True&loc=Local)
// or "sqlite" (a file path or file::memory:).
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if driver == "sqlite" {
		// sqlite allows one writer; keep gorm from opening competing connections
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := gdb.AutoMigrate(&model.Job{}, &model.JobEvent{}, &model.Finding{}, &model.FindingNote{}, &model.SettingEntry{}); err != nil {
		return nil, fmt.Errorf("建表失败: %w", err)
	}
	return gdb, nil
}
