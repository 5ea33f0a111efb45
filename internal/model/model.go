package model

import (
	"fmt"
	"strings"
	"time"
)

// Domain 表示一个逻辑上的流量来源（虚拟主机/服务），用于对日志、告警和统计进行分区。
type Domain struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey" json:"id"`
	// Name 为稳定且唯一的键（来自文件路径或日志内容）。
	Name string `gorm:"size:255;not null;uniqueIndex" json:"name"`
	// FirstSeen 为首次发现该域名流量的时间。
	FirstSeen time.Time `gorm:"not null" json:"firstSeen"`
	// LastSeen 每写入一批新日志就会更新。
	LastSeen time.Time `gorm:"not null;index" json:"lastSeen"`
}

// LogEntry 为归一化后的单条日志记录；一旦落库即不可修改。
type LogEntry struct {
	// ID 为自增主键；同一时间戳下按 ID 保持插入顺序。
	ID uint64 `gorm:"primaryKey" json:"id"`
	// DomainID 关联 Domain；与 Timestamp 组成联合索引。
	DomainID uint64 `gorm:"not null;index:idx_log_entries_domain_time,priority:1" json:"domainId"`
	// Timestamp 为解析后的日志发生时间（UTC）。
	Timestamp time.Time `gorm:"not null;index:idx_log_entries_domain_time,priority:2" json:"timestamp"`
	// TimestampInferred 为 true 表示原始时间无法解析，Timestamp 取自采集时刻。
	TimestampInferred bool `gorm:"not null;default:false" json:"timestampInferred"`

	Method    string `gorm:"size:16" json:"method,omitempty"`
	Path      string `gorm:"type:text" json:"path,omitempty"`
	Status    *int   `json:"status,omitempty"`
	Bytes     *int64 `json:"bytes,omitempty"`
	ClientIP  string `gorm:"size:64;index" json:"clientIp,omitempty"`
	UserAgent string `gorm:"type:text" json:"userAgent,omitempty"`
	Referer   string `gorm:"type:text" json:"referer,omitempty"`

	// Raw 保存原始日志行，便于回溯或重新解析。
	Raw string `gorm:"type:text;not null" json:"raw"`
	// RawFormat 为解析该行时使用的格式名称。
	RawFormat string `gorm:"size:64;not null" json:"rawFormat"`
	// CreatedAt 为写入数据库时间（与 Timestamp 含义不同）。
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"createdAt"`
}

// IsError reports whether the entry carries a 5xx status.
func (e LogEntry) IsError() bool {
	return e.Status != nil && *e.Status >= 500
}

// Severity 为告警级别。
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity %q", s)
	}
	return sev, nil
}

// Alert 只追加，不修改。可由内置规则或插件产生。
type Alert struct {
	ID       uint64 `gorm:"primaryKey" json:"id"`
	DomainID uint64 `gorm:"not null;index:idx_alerts_domain_time,priority:1" json:"domainId"`
	Domain   Domain `gorm:"foreignKey:DomainID;constraint:OnDelete:CASCADE" json:"-"`
	// Type 为稳定的告警类别，例如 high_error_rate。
	Type     string   `gorm:"size:64;not null;index" json:"type"`
	Message  string   `gorm:"type:text;not null" json:"message"`
	Severity Severity `gorm:"size:16;not null;index" json:"severity"`
	// Source 为产生告警的来源：core 或插件名。
	Source    string    `gorm:"size:128" json:"source,omitempty"`
	Timestamp time.Time `gorm:"not null;index:idx_alerts_domain_time,priority:2" json:"timestamp"`
}

// Count is a (key, count) pair used by the top-N lists in DomainStats.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DomainStats 为按需计算的聚合结果，不落库。
type DomainStats struct {
	DomainID uint64 `json:"domainId"`
	// From/To 为统计窗口；全量统计时 From 为零值。
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	TotalRequests      int64            `json:"totalRequests"`
	TotalBytes         int64            `json:"totalBytes"`
	UniqueClients      int64            `json:"uniqueClients"`
	StatusCodes        map[int]int64    `json:"statusCodes"`
	StatusClasses      map[string]int64 `json:"statusClasses"`
	Methods            map[string]int64 `json:"methods"`
	TopClients         []Count          `json:"topClients"`
	TopPaths           []Count          `json:"topPaths"`
	ErrorRate          float64          `json:"errorRate"`
	InferredTimestamps int64            `json:"inferredTimestamps"`
	FirstEntry         time.Time        `json:"firstEntry"`
	LastEntry          time.Time        `json:"lastEntry"`
}
