package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DocumentUpdate 是一条归档的 change-set（ApplyDelta 的导出结果）
type DocumentUpdate struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(191);not null;index:idx_doc_time" json:"documentId"`
	Origin     string    `gorm:"type:varchar(191)" json:"origin"`
	Update     []byte    `gorm:"type:longblob;not null" json:"-"`
	Version    string    `gorm:"type:text" json:"version"` // JSON 版本向量
	CreatedAt  time.Time `gorm:"index:idx_doc_time" json:"createdAt"`
}

func (u *DocumentUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (DocumentUpdate) TableName() string {
	return "document_updates"
}

type UpdateArchive struct{ db *gorm.DB }

func NewUpdateArchive(db *gorm.DB) *UpdateArchive {
	return &UpdateArchive{db: db}
}

func (a *UpdateArchive) SaveUpdate(ctx context.Context, docID, origin string, update []byte, version string) error {
	row := &DocumentUpdate{DocumentID: docID, Origin: origin, Update: update, Version: version}
	if err := a.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// LoadUpdates 返回一个文档的全部 change-set。同一毫秒内写入的行顺序不保证，
// 导入时引擎会按因果关系重排
func (a *UpdateArchive) LoadUpdates(ctx context.Context, docID string) ([]DocumentUpdate, error) {
	var rows []DocumentUpdate
	err := a.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (a *UpdateArchive) DocumentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.db.WithContext(ctx).Model(&DocumentUpdate{}).Distinct().Pluck("document_id", &ids).Error
	return ids, err
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
