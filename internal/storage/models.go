package storage

import "time"

// WatchPosition 记录一个被监控文件已经消费到的字节偏移，用于进程重启后续读而不重复写入。
//
// 只有在对应批次成功写入 log_entries 之后才会更新，因此它永远不会领先于已落库的数据。
type WatchPosition struct {
	// Path 为文件的绝对路径，作为主键。
	Path string `gorm:"primaryKey;size:1024"`
	// DomainID 为该文件所属的 Domain。
	DomainID uint64 `gorm:"not null;index"`
	// Position 为下一次读取的起始偏移（字节）。
	Position int64 `gorm:"not null"`
	// Size/ModTime 为最近一次读取时观察到的文件大小与修改时间，用于识别轮转。
	Size    int64     `gorm:"not null"`
	ModTime time.Time
	// Format 为该文件已确定的日志格式名称（可选）。
	Format string `gorm:"size:64"`
	// UpdatedAt 默认自动填充。
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}
