package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultBoltPath = "./data/analysis.db"

	// 存储桶名称
	AnalysisBucket = "analysis"
	EvidenceBucket = "evidence"

	indexSeparator = 0x00
)

// BoltStore 基于 BoltDB 的本地持久化缓存，进程重启后仍可命中
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	now    func() time.Time
}

// NewBoltStore 打开（或创建）缓存数据库
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultBoltPath
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开缓存数据库失败: %w", err)
	}

	s := &BoltStore{db: db, logger: logger, dbPath: dbPath, now: time.Now}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	if purged, err := s.Purge(); err != nil {
		logger.Warnf("清理过期缓存失败: %v", err)
	} else if purged > 0 {
		logger.Infof("已清理 %d 条过期缓存", purged)
	}

	logger.Infof("分析缓存已初始化，数据库路径: %s", dbPath)
	return s, nil
}

func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(AnalysisBucket)); err != nil {
			return fmt.Errorf("创建分析存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(EvidenceBucket)); err != nil {
			return fmt.Errorf("创建证据索引存储桶失败: %w", err)
		}
		return nil
	})
}

// indexKey 证据地址 + 分隔符 + 缓存键
func indexKey(evidence, key string) []byte {
	b := make([]byte, 0, len(evidence)+1+len(key))
	b = append(b, evidence...)
	b = append(b, indexSeparator)
	return append(b, key...)
}

func (s *BoltStore) Get(ctx context.Context, address string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(AnalysisBucket)).Get([]byte(address))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("解析缓存条目失败: %w", err)
		}
		entry = &e
		return nil
	})
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Expired(s.now()) {
		if err := s.Delete(ctx, address); err != nil {
			s.logger.Debugf("删除过期缓存失败: %v", err)
		}
		return nil, nil
	}
	return entry, nil
}

func (s *BoltStore) Put(ctx context.Context, address string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteInTx(tx, address); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(AnalysisBucket)).Put([]byte(address), data); err != nil {
			return fmt.Errorf("保存缓存条目失败: %w", err)
		}
		idx := tx.Bucket([]byte(EvidenceBucket))
		for _, ev := range entry.Analysis.EvidenceAddresses() {
			if err := idx.Put(indexKey(ev, address), []byte{}); err != nil {
				return fmt.Errorf("保存证据索引失败: %w", err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Delete(ctx context.Context, addresses ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, a := range addresses {
			if err := deleteInTx(tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteInTx(tx *bolt.Tx, address string) error {
	bucket := tx.Bucket([]byte(AnalysisBucket))
	data := bucket.Get([]byte(address))
	if data == nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err == nil && e.Analysis != nil {
		idx := tx.Bucket([]byte(EvidenceBucket))
		for _, ev := range e.Analysis.EvidenceAddresses() {
			if err := idx.Delete(indexKey(ev, address)); err != nil {
				return err
			}
		}
	}
	return bucket.Delete([]byte(address))
}

func (s *BoltStore) Referencing(ctx context.Context, address string) ([]string, error) {
	prefix := append([]byte(address), indexSeparator)
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(EvidenceBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// Purge 删除所有过期条目，返回删除数量
func (s *BoltStore) Purge() (int, error) {
	now := s.now()
	var expired []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(AnalysisBucket)).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || e.Expired(now) {
				expired = append(expired, string(k))
			}
			return nil
		})
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	return len(expired), s.Delete(context.Background(), expired...)
}

// GetDBPath 获取数据库路径
func (s *BoltStore) GetDBPath() string {
	return s.dbPath
}

// GetStats 获取统计信息
func (s *BoltStore) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"db_path": s.dbPath}
	_ = s.db.View(func(tx *bolt.Tx) error {
		stats["entries"] = tx.Bucket([]byte(AnalysisBucket)).Stats().KeyN
		stats["evidence_index"] = tx.Bucket([]byte(EvidenceBucket)).Stats().KeyN
		return nil
	})
	return stats
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭分析缓存数据库")
		return s.db.Close()
	}
	return nil
}
