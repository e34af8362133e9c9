package state

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeconn/internal/order"
)

// TrackedOrder is one persisted order row. Rows of a connector that are
// missing from the latest snapshot are removed on save.
type TrackedOrder struct {
	Connector     string `gorm:"primaryKey;size:64"`
	ClientOrderID string `gorm:"primaryKey;size:64"`
	Entry         string `gorm:"type:jsonb;not null"`
	SnapshotAt    int64  `gorm:"not null;index"`
}

func (TrackedOrder) TableName() string {
	return "tracked_orders"
}

// PostgresSink stores the tracked orders of one connector, one row per order.
type PostgresSink struct {
	db        *gorm.DB
	connector string
}

// NewPostgresSink expects the tracked_orders table to exist, see conn.Client.Migrate.
func NewPostgresSink(db *gorm.DB, connector string) *PostgresSink {
	return &PostgresSink{db: db, connector: connector}
}

func (s *PostgresSink) Save(ctx context.Context, snap order.Snapshot) error {
	rows, err := s.rows(snap)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "connector"}, {Name: "client_order_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"entry", "snapshot_at"}),
			}).Create(&rows).Error
			if err != nil {
				return errors.Wrap(err, "upsert tracked orders").With("connector", s.connector)
			}
		}
		err := tx.Where("connector = ? AND snapshot_at < ?", s.connector, snap.Timestamp).
			Delete(&TrackedOrder{}).Error
		if err != nil {
			return errors.Wrap(err, "delete finished orders").With("connector", s.connector)
		}
		return nil
	})
}

func (s *PostgresSink) Load(ctx context.Context) (order.Snapshot, error) {
	var rows []TrackedOrder
	err := s.db.WithContext(ctx).
		Where("connector = ?", s.connector).
		Order("client_order_id").
		Find(&rows).Error
	if err != nil {
		return order.Snapshot{}, errors.Wrap(err, "query tracked orders").With("connector", s.connector)
	}
	return snapshotFromRows(rows)
}

func (s *PostgresSink) rows(snap order.Snapshot) ([]TrackedOrder, error) {
	rows := make([]TrackedOrder, 0, len(snap.Orders))
	for _, e := range snap.Orders {
		data, err := sonic.ConfigStd.Marshal(e)
		if err != nil {
			return nil, errors.Wrap(err, "marshal entry").With("client_order_id", e.ClientOrderID)
		}
		rows = append(rows, TrackedOrder{
			Connector:     s.connector,
			ClientOrderID: e.ClientOrderID,
			Entry:         string(data),
			SnapshotAt:    snap.Timestamp,
		})
	}
	return rows, nil
}

func snapshotFromRows(rows []TrackedOrder) (order.Snapshot, error) {
	snap := order.Snapshot{Orders: make([]order.Entry, 0, len(rows))}
	for _, r := range rows {
		var e order.Entry
		if err := sonic.ConfigStd.UnmarshalFromString(r.Entry, &e); err != nil {
			return order.Snapshot{}, errors.Wrap(err, "unmarshal entry").With("client_order_id", r.ClientOrderID)
		}
		snap.Orders = append(snap.Orders, e)
		if r.SnapshotAt > snap.Timestamp {
			snap.Timestamp = r.SnapshotAt
		}
	}
	return snap, nil
}
