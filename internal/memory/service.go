package memory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/dataset"
	"github.com/hzliu/datapilot/internal/storage"
)

// Service 是记忆存取的唯一入口，实现 cache-aside 读写路径：
//
//	读：缓存 → 耐久层回填缓存 → 首次访问时加载数据集并建档
//	写：一轮内的增量更新只落缓存，回合收尾由 memorySaver 节点
//	    调用 Flush 一次性写透到耐久层
//
// 缓存层不可用时整条链路退化为纯耐久层模式，更新直接落库。
type Service struct {
	cache  Cache
	store  *storage.Storage
	loader dataset.Loader
	log    *zap.Logger
}

func NewService(cache Cache, store *storage.Storage, loader dataset.Loader, log *zap.Logger) *Service {
	return &Service{cache: cache, store: store, loader: loader, log: log}
}

// Get 返回会话键对应的记忆记录，必要时创建。
//
// 首次访问会通过 Loader 加载 storageURI 指向的数据集，并以
// {"df": <数据集>} 作为初始持久化变量建档。并发首访由耐久层的
// 冲突忽略插入收敛到同一行，所有调用方拿到相同记录。
func (s *Service) Get(ctx context.Context, key SessionKey, userID int64, storageURI string) (*Record, error) {
	if rec, err := s.cache.Get(ctx, key); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	row, err := s.store.GetMemory(ctx, key.SessionID.String(), key.FileID)
	switch {
	case err == nil:
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		s.refill(ctx, key, rec)
		return rec, nil
	case errors.Is(err, storage.ErrMemoryNotFound):
		return s.create(ctx, key, userID, storageURI)
	default:
		return nil, err
	}
}

func (s *Service) create(ctx context.Context, key SessionKey, userID int64, storageURI string) (*Record, error) {
	frame, err := s.loader.Load(storageURI)
	if err != nil {
		return nil, fmt.Errorf("load dataset for new session: %w", err)
	}

	rec := &Record{
		SessionID:    key.SessionID,
		FileID:       key.FileID,
		UserID:       userID,
		Conversation: []Exchange{},
		Variables:    map[string]any{"df": frame.ToVariable()},
	}
	row, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}

	// 并发首访时只有一方真正插入，其余方拿回已存在的行。
	stored, err := s.store.CreateMemoryIfAbsent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("create memory record: %w", err)
	}
	rec, err = decodeRecord(stored)
	if err != nil {
		return nil, err
	}

	s.log.Info("memory record created",
		zap.String("session", key.String()), zap.Int64("user_id", userID))
	s.refill(ctx, key, rec)
	return rec, nil
}

// UpdateCache 对缓存中的记录做局部合并。正常路径只写缓存；
// 缓存写入失败时直接写透到耐久层，更新绝不丢失。
func (s *Service) UpdateCache(ctx context.Context, key SessionKey, userID int64, storageURI string, up Update) (*Record, error) {
	rec, err := s.Get(ctx, key, userID, storageURI)
	if err != nil {
		return nil, err
	}
	up.apply(rec)

	if err := s.cache.Set(ctx, key, rec); err != nil {
		s.log.Warn("memory cache write failed, persisting update directly",
			zap.String("session", key.String()), zap.Error(err))
		if err := s.persist(ctx, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Flush 把缓存中的记录写透到耐久层。回合收尾调用一次。
// 缓存中无条目时视为无待落库内容（降级路径已即时落库），直接返回。
func (s *Service) Flush(ctx context.Context, key SessionKey) error {
	rec, err := s.cache.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		s.log.Debug("memory flush skipped, no cached entry",
			zap.String("session", key.String()))
		return nil
	}
	if err != nil {
		return err
	}
	return s.persist(ctx, rec)
}

// Delete 同时清除缓存条目和耐久行。
func (s *Service) Delete(ctx context.Context, key SessionKey) error {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn("memory cache delete failed",
			zap.String("session", key.String()), zap.Error(err))
	}
	if err := s.store.DeleteMemory(ctx, key.SessionID.String(), key.FileID); err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}

func (s *Service) persist(ctx context.Context, rec *Record) error {
	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.store.UpdateMemory(ctx, row); err != nil {
		return fmt.Errorf("persist memory record: %w", err)
	}
	return nil
}

// refill 回填缓存，失败只记日志，不影响读路径。
func (s *Service) refill(ctx context.Context, key SessionKey, rec *Record) {
	if err := s.cache.Set(ctx, key, rec); err != nil {
		s.log.Warn("memory cache refill failed",
			zap.String("session", key.String()), zap.Error(err))
	}
}
