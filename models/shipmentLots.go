package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// parent pointers are write-once, so any deeper walk means corrupt data
const maxFamilyWalkDepth = 100

// acquireShipmentFamilyLock serializes renumbering per family across
// instances using MySQL advisory locks. GET_LOCK is connection-scoped, so
// this must run on the same *gorm.DB as the renumbering transaction, and
// the release must happen before that transaction finishes.
func acquireShipmentFamilyLock(tx *gorm.DB, rootShipmentId int) error {
	lockName := fmt.Sprintf("shipment_family:%d", rootShipmentId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("%w: could not acquire family lock for shipment_id=%d", ErrConcurrencyConflict, rootShipmentId)
	}
	return nil
}

func releaseShipmentFamilyLock(tx *gorm.DB, rootShipmentId int) {
	lockName := fmt.Sprintf("shipment_family:%d", rootShipmentId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// familyRootId walks parent pointers up to the family root.
func familyRootId(tx *gorm.DB, businessId string, memberId int) (int, error) {
	currentId := memberId
	for depth := 0; depth < maxFamilyWalkDepth; depth++ {
		var member Shipment
		if err := tx.Select("id", "parent_shipment_id").
			Where("business_id = ?", businessId).First(&member, currentId).Error; err != nil {
			return 0, translateDBError(err)
		}
		if member.ParentShipmentId == nil {
			return member.ID, nil
		}
		currentId = *member.ParentShipmentId
	}
	return 0, fmt.Errorf("shipment family of %d is too deep", memberId)
}

// collectFamily gathers the root and every descendant by repeated frontier
// expansion; the store has no recursive query support to lean on. Locking
// reads keep a concurrent split from slipping an unseen sibling past the
// renumber.
func collectFamily(tx *gorm.DB, businessId string, rootId int) ([]*Shipment, error) {
	var root Shipment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).First(&root, rootId).Error; err != nil {
		return nil, translateDBError(err)
	}

	members := []*Shipment{&root}
	seen := map[int]bool{rootId: true}
	frontier := []int{rootId}
	for len(frontier) > 0 {
		var children []*Shipment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND parent_shipment_id IN ?", businessId, frontier).
			Find(&children).Error; err != nil {
			return nil, translateDBError(err)
		}
		frontier = frontier[:0]
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			members = append(members, child)
			frontier = append(frontier, child.ID)
		}
	}
	return members, nil
}

func lotReadinessRank(s *Shipment) int {
	if s.ShipmentStageId >= ShipmentStageUnderloading {
		return 0
	}
	return 1
}

// sortFamilyByReadiness orders members that reached underloading or later
// ahead of those still planned; ties break by creation time, then id.
func sortFamilyByReadiness(members []*Shipment) {
	sort.SliceStable(members, func(i, j int) bool {
		ri, rj := lotReadinessRank(members[i]), lotReadinessRank(members[j])
		if ri != rj {
			return ri < rj
		}
		if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].CreatedAt.Before(members[j].CreatedAt)
		}
		return members[i].ID < members[j].ID
	})
}

// recalculateShipmentLotsTx renumbers the whole family inside the caller's
// transaction, all-or-nothing.
func recalculateShipmentLotsTx(tx *gorm.DB, businessId string, anyMemberId int, userId int) error {
	rootId, err := familyRootId(tx, businessId, anyMemberId)
	if err != nil {
		return err
	}

	if err := acquireShipmentFamilyLock(tx, rootId); err != nil {
		return err
	}
	defer releaseShipmentFamilyLock(tx, rootId)

	members, err := collectFamily(tx, businessId, rootId)
	if err != nil {
		return err
	}
	sortFamilyByReadiness(members)

	total := len(members)
	for position, member := range members {
		lotNumber := position + 1
		if member.LotNumber == lotNumber && member.TotalLots == total {
			continue
		}
		err := tx.Model(&Shipment{}).Where("id = ? AND business_id = ?", member.ID, businessId).
			Updates(map[string]interface{}{
				"lot_number": lotNumber,
				"total_lots": total,
				"updated_by": userId,
			}).Error
		if err != nil {
			return translateDBError(err)
		}
	}

	numbering := make([]map[string]interface{}, 0, total)
	for position, member := range members {
		numbering = append(numbering, map[string]interface{}{
			"shipment_id": member.ID,
			"lot_number":  position + 1,
		})
	}
	return createHistory(tx, "Update", rootId, "shipments", nil, numbering,
		fmt.Sprintf("Shipment family renumbered (%d lots)", total))
}

// RecalculateShipmentLots renumbers the family containing the given
// shipment. Splitting triggers this automatically; the standalone operation
// exists for repair and for backfills.
func RecalculateShipmentLots(ctx context.Context, anyMemberId int) error {
	db := config.GetDB()
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := utils.ValidateResourceId[Shipment](ctx, businessId, anyMemberId); err != nil {
		return err
	}

	tx := db.Begin()
	if err := recalculateShipmentLotsTx(tx.WithContext(ctx), businessId, anyMemberId, userId); err != nil {
		tx.Rollback()
		if !errors.Is(err, ErrConcurrencyConflict) {
			config.LogError(logger, "shipmentLots.go", "RecalculateShipmentLots", "renumbering shipment family", anyMemberId, err)
		}
		return err
	}

	if err := EnqueueShipmentEvent(ctx, tx.WithContext(ctx), businessId, time.Now(), anyMemberId,
		ShipmentEventReferenceTypeShipment, nil, nil, ShipmentEventActionLotsRenumbered); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return translateDBError(err)
	}
	return nil
}
