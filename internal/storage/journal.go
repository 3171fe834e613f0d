package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Acquisition 一次取令牌记录
type Acquisition struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TraceID    string    `gorm:"size:64;index" json:"traceId"`
	Mode       string    `gorm:"size:16" json:"mode"`
	Channel    int       `json:"channel"`
	Action     string    `gorm:"size:64" json:"action"`
	Requested  int       `json:"requested"`
	Received   int       `json:"received"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `gorm:"size:32" json:"errorKind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// Summary 统计结果
type Summary struct {
	Total     int64            `json:"total"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
	Tokens    int64            `json:"tokens"`
	ByKind    map[string]int64 `json:"byKind"`
}

// Journal 取令牌流水
type Journal struct {
	db *gorm.DB
}

// NewJournal 创建流水
func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

// Record 写入一条记录
func (j *Journal) Record(ctx context.Context, a *Acquisition) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return j.db.WithContext(ctx).Create(a).Error
}

// Recent 最近 n 条记录，新的在前
func (j *Journal) Recent(ctx context.Context, n int) ([]Acquisition, error) {
	if n <= 0 {
		n = 20
	}
	var out []Acquisition
	err := j.db.WithContext(ctx).Order("created_at desc, id desc").Limit(n).Find(&out).Error
	return out, err
}

// Summary 统计 since 之后的记录，since 为零值时统计全部
func (j *Journal) Summary(ctx context.Context, since time.Time) (Summary, error) {
	q := func() *gorm.DB {
		tx := j.db.WithContext(ctx).Model(&Acquisition{})
		if !since.IsZero() {
			tx = tx.Where("created_at >= ?", since)
		}
		return tx
	}

	var row struct {
		Total     int64
		Succeeded int64
		Tokens    int64
	}
	err := q().Select("count(*) as total, coalesce(sum(case when ok then 1 else 0 end), 0) as succeeded, coalesce(sum(received), 0) as tokens").
		Scan(&row).Error
	if err != nil {
		return Summary{}, err
	}

	var kinds []struct {
		ErrorKind string
		N         int64
	}
	err = q().Select("error_kind, count(*) as n").Where("ok = ?", false).Group("error_kind").Scan(&kinds).Error
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Total:     row.Total,
		Succeeded: row.Succeeded,
		Failed:    row.Total - row.Succeeded,
		Tokens:    row.Tokens,
		ByKind:    make(map[string]int64, len(kinds)),
	}
	for _, k := range kinds {
		s.ByKind[k.ErrorKind] = k.N
	}
	return s, nil
}

// Prune 删除早于 before 的记录
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx := j.db.WithContext(ctx).Where("created_at < ?", before).Delete(&Acquisition{})
	return tx.RowsAffected, tx.Error
}
