package database

import (
	"time"

	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/metrics"
)

const startTimeKey = "blog:start_time"

// RegisterMetricsHooks registers GORM callbacks that count queries and their errors
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) {
	record := func(db *gorm.DB) {
		m.IncrementCounter(metrics.CounterDBQueries)
		if db.Error != nil && db.Error != gorm.ErrRecordNotFound {
			m.IncrementCounter(metrics.CounterDBQueryErrors)
		}
		if d := getDuration(db); d > 0 {
			m.RecordTimer(metrics.TimerDBQuery, d)
		}
	}

	_ = db.Callback().Create().After("gorm:create").Register("metrics:create", record)
	_ = db.Callback().Query().After("gorm:query").Register("metrics:query", record)
	_ = db.Callback().Update().After("gorm:update").Register("metrics:update", record)
	_ = db.Callback().Delete().After("gorm:delete").Register("metrics:delete", record)
	_ = db.Callback().Raw().After("gorm:raw").Register("metrics:raw", record)
}

// RegisterDurationHooks stamps the start time before each operation
func RegisterDurationHooks(db *gorm.DB) {
	_ = db.Callback().Create().Before("gorm:create").Register("duration:create", logDuration)
	_ = db.Callback().Query().Before("gorm:query").Register("duration:query", logDuration)
	_ = db.Callback().Update().Before("gorm:update").Register("duration:update", logDuration)
	_ = db.Callback().Delete().Before("gorm:delete").Register("duration:delete", logDuration)
	_ = db.Callback().Raw().Before("gorm:raw").Register("duration:raw", logDuration)
}

func logDuration(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func getDuration(db *gorm.DB) time.Duration {
	if start, ok := db.InstanceGet(startTimeKey); ok {
		return time.Since(start.(time.Time))
	}
	return 0
}
