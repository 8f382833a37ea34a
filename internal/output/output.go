package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"drainscan/internal/config"
	"drainscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// Publisher 分析结果发布接口
type Publisher interface {
	Publish(ctx context.Context, analysis *models.DrainAnalysis) error
	Close() error
}

// NewPublisher 按配置创建发布器
func NewPublisher(cfg *config.OutputConfig, logger *logrus.Logger) (Publisher, error) {
	if cfg == nil {
		return NoopPublisher{}, nil
	}
	switch cfg.Type {
	case "", "none":
		return NoopPublisher{}, nil
	case "file":
		return NewFilePublisher(cfg.Directory, logger)
	case "kafka":
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("未配置Kafka输出")
		}
		return NewKafkaPublisher(cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("不支持的输出类型: %s", cfg.Type)
	}
}

// NoopPublisher 不发布
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, analysis *models.DrainAnalysis) error { return nil }

func (NoopPublisher) Close() error { return nil }

// FilePublisher 以 JSON Lines 追加写入本地文件
type FilePublisher struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *logrus.Logger
}

// NewFilePublisher 在目录下创建带时间戳的输出文件
func NewFilePublisher(outputDir string, logger *logrus.Logger) (*FilePublisher, error) {
	// 确保输出目录存在
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(outputDir, fmt.Sprintf("analyses_%s.jsonl", timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建分析结果文件失败: %w", err)
	}

	logger.Infof("分析结果输出文件: %s", path)
	return &FilePublisher{file: file, path: path, logger: logger}, nil
}

// Path 输出文件路径
func (o *FilePublisher) Path() string {
	return o.path
}

// Publish 写入一条分析结果
func (o *FilePublisher) Publish(ctx context.Context, analysis *models.DrainAnalysis) error {
	if analysis == nil {
		return nil
	}

	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("序列化分析结果失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入分析结果文件失败: %w", err)
	}
	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新分析结果文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FilePublisher) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	if err != nil {
		return fmt.Errorf("关闭分析结果文件失败: %w", err)
	}
	return nil
}
