// internal/storage/legacy.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"golang.org/x/sync/errgroup"
)

// legacyRecord 旧版扁平存储中的一条记录：每个集合一个JSON数组文件
type legacyRecord struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

// MigrateLegacy 启动时一次性迁移旧版扁平存储
//
// 每个分区对应 <dataDir>/legacy/<partition>.json；读取成功并导入后删除源文件，
// 之后核心不再写旧存储。各集合并行迁移，任一失败则返回首个错误。
func MigrateLegacy(ctx context.Context, store *Store, dataDir string) error {
	legacyDir := filepath.Join(dataDir, "legacy")
	if _, err := os.Stat(legacyDir); os.IsNotExist(err) {
		return nil
	}

	logger := utils.GetLogger()
	g, ctx := errgroup.WithContext(ctx)

	for name := range partitions {
		partition := name
		g.Go(func() error {
			path := filepath.Join(legacyDir, partition+".json")
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return fmt.Errorf("读取旧存储 %s 失败: %w", partition, err)
			}

			var raws []json.RawMessage
			if err := json.Unmarshal(data, &raws); err != nil {
				// 旧文件损坏：保留现场并跳过，不阻塞启动
				logger.Warn("旧存储文件损坏，跳过迁移", map[string]interface{}{
					"partition": partition,
					"err":       err.Error(),
				})
				return nil
			}

			var recs []Record
			for _, raw := range raws {
				var meta legacyRecord
				if err := json.Unmarshal(raw, &meta); err != nil || meta.ID == "" {
					continue
				}
				recs = append(recs, Record{ID: meta.ID, OwnerID: meta.OwnerID, Body: raw})
			}

			// 整批一个事务：失败时源文件保留，下次启动重试
			if err := store.PutAll(ctx, partition, recs); err != nil {
				return fmt.Errorf("导入旧存储 %s 失败: %w", partition, err)
			}

			if err := os.Remove(path); err != nil {
				logger.Warn("删除旧存储文件失败", map[string]interface{}{
					"partition": partition,
					"err":       err.Error(),
				})
			}

			logger.Info("旧存储迁移完成", map[string]interface{}{
				"partition": partition,
				"imported":  len(recs),
			})
			return nil
		})
	}

	return g.Wait()
}
