package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sentc-io/sentc/server/internal/db"
)

// GroupStore persists Group, GroupMembership, GroupKey, WrappedGroupKey,
// PendingRotation, HmacKey, and SortableKey rows.
type GroupStore struct {
	gormDB *gorm.DB
}

func NewGroupStore(gormDB *gorm.DB) *GroupStore {
	return &GroupStore{gormDB: gormDB}
}

// CreateWithCreatorAndFirstKey inserts a Group, the creator's rank-0
// GroupMembership, and the first GroupKey atomically — spec.md §5's
// canonical example of a required transaction.
func (s *GroupStore) CreateWithCreatorAndFirstKey(ctx context.Context, group *db.Group, creatorUserID uuid.UUID, firstKey *db.GroupKey) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		membership := db.GroupMembership{
			GroupID:        group.ID,
			UserID:         creatorUserID,
			Rank:           0,
			MembershipType: db.MembershipDirectUser,
			JoinedAt:       time.Now(),
		}
		if err := tx.Create(&membership).Error; err != nil {
			return err
		}
		firstKey.GroupID = group.ID
		return tx.Create(firstKey).Error
	})
	if err != nil {
		return fmt.Errorf("store: groups: create with creator and first key: %w", err)
	}
	return nil
}

func (s *GroupStore) GetByID(ctx context.Context, appID, groupID uuid.UUID) (*db.Group, error) {
	var g db.Group
	err := s.gormDB.WithContext(ctx).First(&g, "app_id = ? AND id = ?", appID, groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: groups: get by id: %w", err)
	}
	return &g, nil
}

// descendantRow mirrors one row of the children-walk CTE used by Delete —
// the mirror image of ancestorRow/WalkAncestors's parent-walk.
type descendantRow struct {
	ID uuid.UUID
}

// descendantIDs returns groupID and every group transitively reachable from
// it by parent_id, including groupID itself.
func (s *GroupStore) descendantIDs(ctx context.Context, tx *gorm.DB, groupID uuid.UUID) ([]uuid.UUID, error) {
	const query = `
WITH RECURSIVE descendants(id) AS (
	SELECT id FROM groups WHERE id = ? AND deleted_at IS NULL
	UNION ALL
	SELECT g.id FROM groups g
	JOIN descendants d ON g.parent_id = d.id
	WHERE g.deleted_at IS NULL
)
SELECT id FROM descendants
`
	var rows []descendantRow
	if err := tx.WithContext(ctx).Raw(query, groupID).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: groups: descendant ids: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Delete removes groupID and every descendant group, their memberships,
// keys, wrapped keys, and pending rotations, and queues every file whose
// belongs_to is any of those groups for deletion by the sweeper — spec.md's
// "Groups transitively own descendants (deleting a group cascades to child
// groups and to files whose belongs_to is any descendant)." All of it runs
// in one transaction so a partial cascade is never observable.
func (s *GroupStore) Delete(ctx context.Context, groupID uuid.UUID) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := s.descendantIDs(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			ids = []uuid.UUID{groupID}
		}

		if err := tx.Delete(&db.GroupMembership{}, "group_id IN ?", ids).Error; err != nil {
			return err
		}

		var keyIDs []uuid.UUID
		if err := tx.Model(&db.GroupKey{}).Where("group_id IN ?", ids).Pluck("id", &keyIDs).Error; err != nil {
			return err
		}
		if len(keyIDs) > 0 {
			if err := tx.Delete(&db.WrappedGroupKey{}, "group_key_id IN ?", keyIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&db.PendingRotation{}, "group_key_id IN ?", keyIDs).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&db.GroupKey{}, "group_id IN ?", ids).Error; err != nil {
			return err
		}

		if err := tx.Model(&db.File{}).
			Where("belongs_to_type = ? AND belongs_to_id IN ?", "group", ids).
			Updates(map[string]any{"status": db.FileStatusToDelete, "delete_at": time.Now()}).Error; err != nil {
			return err
		}

		return tx.Delete(&db.Group{}, "id IN ?", ids).Error
	})
	if err != nil {
		return fmt.Errorf("store: groups: delete: %w", err)
	}
	return nil
}

func (s *GroupStore) ChildIDs(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.gormDB.WithContext(ctx).Model(&db.Group{}).Where("parent_id = ?", parentID).Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: groups: child ids: %w", err)
	}
	return ids, nil
}

// Memberships

func (s *GroupStore) GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*db.GroupMembership, error) {
	var m db.GroupMembership
	err := s.gormDB.WithContext(ctx).First(&m, "group_id = ? AND user_id = ?", groupID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: group_memberships: get: %w", err)
	}
	return &m, nil
}

func (s *GroupStore) CreateMembership(ctx context.Context, m *db.GroupMembership) error {
	if err := s.gormDB.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: group_memberships: create: %w", err)
	}
	return nil
}

func (s *GroupStore) UpdateRank(ctx context.Context, groupID, userID uuid.UUID, rank int) error {
	err := s.gormDB.WithContext(ctx).Model(&db.GroupMembership{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Update("rank", rank).Error
	if err != nil {
		return fmt.Errorf("store: group_memberships: update rank: %w", err)
	}
	return nil
}

// UpdateMembershipType transitions a membership row between the states
// db.MembershipPendingInvite/PendingJoin/DirectUser name — e.g. a join
// request's accept, or an invite's acceptance by its recipient.
func (s *GroupStore) UpdateMembershipType(ctx context.Context, groupID, userID uuid.UUID, membershipType string) error {
	err := s.gormDB.WithContext(ctx).Model(&db.GroupMembership{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Update("membership_type", membershipType).Error
	if err != nil {
		return fmt.Errorf("store: group_memberships: update membership type: %w", err)
	}
	return nil
}

// PendingInvitesForUser returns every group invite issued to userID that it
// has not yet accepted or rejected, for the /init "invite list" view.
func (s *GroupStore) PendingInvitesForUser(ctx context.Context, userID uuid.UUID) ([]db.GroupMembership, error) {
	var rows []db.GroupMembership
	err := s.gormDB.WithContext(ctx).
		Where("user_id = ? AND membership_type = ?", userID, db.MembershipPendingInvite).
		Order("joined_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: group_memberships: pending invites for user: %w", err)
	}
	return rows, nil
}

func (s *GroupStore) DeleteMembership(ctx context.Context, groupID, userID uuid.UUID) error {
	err := s.gormDB.WithContext(ctx).Delete(&db.GroupMembership{}, "group_id = ? AND user_id = ?", groupID, userID).Error
	if err != nil {
		return fmt.Errorf("store: group_memberships: delete: %w", err)
	}
	return nil
}

// CountRankAtMost supports invariant I2 ("at least one member of rank <=1
// exists per group") by letting callers verify the invariant before a rank
// change or kick is committed.
func (s *GroupStore) CountRankAtMost(ctx context.Context, groupID uuid.UUID, rank int) (int64, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).Model(&db.GroupMembership{}).
		Where("group_id = ? AND rank <= ?", groupID, rank).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: group_memberships: count rank at most: %w", err)
	}
	return count, nil
}

// ancestorRow mirrors one row of the recursive CTE used by WalkAncestors.
type ancestorRow struct {
	GroupID  uuid.UUID
	ParentID *uuid.UUID
	Depth    int
}

// WalkAncestors materializes the chain of parents starting at groupID, up
// to maxDepth hops, via a recursive CTE. This is the "bounded ancestor
// walk" from spec.md §4.4 step 4 — a manual raw-SQL query for the same
// reason db.Policy's doc comment gives for gorm:"-" association fields:
// GORM cannot resolve foreign keys through uuid.UUID primary keys, so any
// multi-hop traversal must be hand-written.
func (s *GroupStore) WalkAncestors(ctx context.Context, groupID uuid.UUID, maxDepth int) ([]uuid.UUID, error) {
	const query = `
WITH RECURSIVE ancestors(group_id, parent_id, depth) AS (
	SELECT id, parent_id, 0 FROM groups WHERE id = ?
	UNION ALL
	SELECT g.id, g.parent_id, a.depth + 1
	FROM groups g
	JOIN ancestors a ON g.id = a.parent_id
	WHERE a.depth < ?
)
SELECT group_id, parent_id, depth FROM ancestors ORDER BY depth ASC
`
	var rows []ancestorRow
	if err := s.gormDB.WithContext(ctx).Raw(query, groupID, maxDepth).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: groups: walk ancestors: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.GroupID)
	}
	return ids, nil
}

// Group keys

func (s *GroupStore) CurrentKey(ctx context.Context, groupID uuid.UUID) (*db.GroupKey, error) {
	var k db.GroupKey
	err := s.gormDB.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at DESC").
		First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: group_keys: current: %w", err)
	}
	return &k, nil
}

func (s *GroupStore) GetKeyByID(ctx context.Context, keyID uuid.UUID) (*db.GroupKey, error) {
	var k db.GroupKey
	err := s.gormDB.WithContext(ctx).First(&k, "id = ?", keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: group_keys: get by id: %w", err)
	}
	return &k, nil
}

// CountRotationsThisMonth backs the monthly cap check in spec.md §4.5 — it
// is read transactionally (not from cache) precisely because it gates a
// mutation.
func (s *GroupStore) CountRotationsThisMonth(ctx context.Context, groupID uuid.UUID, monthStart time.Time) (int64, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).Model(&db.GroupKey{}).
		Where("group_id = ? AND created_at >= ?", groupID, monthStart).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: group_keys: count rotations this month: %w", err)
	}
	return count, nil
}

// CreateRotationWithStarterWrap persists the new GroupKey and the starter's
// own WrappedGroupKey atomically, satisfying invariant I5.
func (s *GroupStore) CreateRotationWithStarterWrap(ctx context.Context, newKey *db.GroupKey, starterWrap *db.WrappedGroupKey) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newKey).Error; err != nil {
			return err
		}
		starterWrap.GroupKeyID = newKey.ID
		return tx.Create(starterWrap).Error
	})
	if err != nil {
		return fmt.Errorf("store: group_keys: create rotation with starter wrap: %w", err)
	}
	return nil
}

// Wrapped keys / pending rotations

// RecipientPage is one page of recipients still lacking a wrap for a given
// group key, per spec.md §4.5 step 2's three-class, 100-per-page fan-out.
type RecipientPage struct {
	RecipientID    uuid.UUID
	PublicKeyID    uuid.UUID
	PublicKey      string
	PublicKeyAlg   string
	RecipientClass string // "user", "connected-group", "parent-group"
}

const fanOutPageSize = 100

// PendingOrWrappedRecipients returns recipient ids that already have either
// a WrappedGroupKey or a PendingRotation for groupKeyID — used to exclude
// them from the fan-out candidate query so concurrent finalization doesn't
// cause duplicate envelopes (spec.md §4.5 step 3).
func (s *GroupStore) ExcludedRecipients(ctx context.Context, groupKeyID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	var wrapped []uuid.UUID
	if err := s.gormDB.WithContext(ctx).Model(&db.WrappedGroupKey{}).
		Where("group_key_id = ?", groupKeyID).Pluck("recipient_id", &wrapped).Error; err != nil {
		return nil, fmt.Errorf("store: wrapped_group_keys: excluded recipients: %w", err)
	}
	var pending []uuid.UUID
	if err := s.gormDB.WithContext(ctx).Model(&db.PendingRotation{}).
		Where("group_key_id = ?", groupKeyID).Pluck("recipient_id", &pending).Error; err != nil {
		return nil, fmt.Errorf("store: pending_rotations: excluded recipients: %w", err)
	}

	out := make(map[uuid.UUID]struct{}, len(wrapped)+len(pending))
	for _, id := range wrapped {
		out[id] = struct{}{}
	}
	for _, id := range pending {
		out[id] = struct{}{}
	}
	return out, nil
}

// FanOutRecipient is one row of a paginated fan-out class: a recipient id
// together with the joined_at value its keyset cursor advances on.
type FanOutRecipient struct {
	ID       uuid.UUID
	JoinedAt time.Time
}

// DirectUserMembers returns up to fanOutPageSize user ids directly
// belonging to groupID, ordered by (joined_at DESC, user_id ASC) per
// spec.md §4.5 step 3's cursor shape, excluding already-served recipients.
func (s *GroupStore) DirectUserMembers(ctx context.Context, groupID uuid.UUID, exclude map[uuid.UUID]struct{}, cursorTime time.Time, cursorID uuid.UUID) ([]FanOutRecipient, error) {
	excludeIDs := mapKeys(exclude)
	var rows []struct {
		UserID   uuid.UUID
		JoinedAt time.Time
	}
	q := s.gormDB.WithContext(ctx).Model(&db.GroupMembership{}).
		Where("group_id = ? AND membership_type = ?", groupID, db.MembershipDirectUser).
		Where("(joined_at < ?) OR (joined_at = ? AND user_id > ?)", cursorTime, cursorTime, cursorID)
	if len(excludeIDs) > 0 {
		q = q.Where("user_id NOT IN ?", excludeIDs)
	}
	err := q.Select("user_id, joined_at").Order("joined_at DESC, user_id ASC").Limit(fanOutPageSize).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: group_memberships: direct user members: %w", err)
	}
	out := make([]FanOutRecipient, len(rows))
	for i, r := range rows {
		out[i] = FanOutRecipient{ID: r.UserID, JoinedAt: r.JoinedAt}
	}
	return out, nil
}

// ConnectedGroupMembers returns connected-group member ids of groupID
// (recipient class (b) of spec.md §4.5 step 2).
func (s *GroupStore) ConnectedGroupMembers(ctx context.Context, groupID uuid.UUID, exclude map[uuid.UUID]struct{}, cursorTime time.Time, cursorID uuid.UUID) ([]FanOutRecipient, error) {
	excludeIDs := mapKeys(exclude)
	var rows []struct {
		UserID   uuid.UUID
		JoinedAt time.Time
	}
	q := s.gormDB.WithContext(ctx).Model(&db.GroupMembership{}).
		Where("group_id = ? AND membership_type = ?", groupID, db.MembershipDirectGroup).
		Where("(joined_at < ?) OR (joined_at = ? AND user_id > ?)", cursorTime, cursorTime, cursorID)
	if len(excludeIDs) > 0 {
		q = q.Where("user_id NOT IN ?", excludeIDs)
	}
	err := q.Select("user_id, joined_at").Order("joined_at DESC, user_id ASC").Limit(fanOutPageSize).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: group_memberships: connected group members: %w", err)
	}
	out := make([]FanOutRecipient, len(rows))
	for i, r := range rows {
		out[i] = FanOutRecipient{ID: r.UserID, JoinedAt: r.JoinedAt}
	}
	return out, nil
}

func (s *GroupStore) BulkInsertPendingRotations(ctx context.Context, rows []db.PendingRotation) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.gormDB.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("store: pending_rotations: bulk insert: %w", err)
	}
	return nil
}

func (s *GroupStore) PendingForRecipient(ctx context.Context, recipientID uuid.UUID) ([]db.PendingRotation, error) {
	var rows []db.PendingRotation
	err := s.gormDB.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: pending_rotations: for recipient: %w", err)
	}
	return rows, nil
}

// Finalize inserts the recipient's WrappedGroupKey and deletes the matching
// PendingRotation atomically, per spec.md §4.5 "Finalize".
func (s *GroupStore) Finalize(ctx context.Context, wrap *db.WrappedGroupKey) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wrap).Error; err != nil {
			return err
		}
		return tx.Delete(&db.PendingRotation{}, "group_key_id = ? AND recipient_id = ?", wrap.GroupKeyID, wrap.RecipientID).Error
	})
	if err != nil {
		return fmt.Errorf("store: group key finalize: %w", err)
	}
	return nil
}

func (s *GroupStore) CountWrappedForKey(ctx context.Context, groupKeyID uuid.UUID) (int64, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).Model(&db.WrappedGroupKey{}).Where("group_key_id = ?", groupKeyID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: wrapped_group_keys: count: %w", err)
	}
	return count, nil
}

func (s *GroupStore) CountPendingForKey(ctx context.Context, groupKeyID uuid.UUID) (int64, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).Model(&db.PendingRotation{}).Where("group_key_id = ?", groupKeyID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: pending_rotations: count: %w", err)
	}
	return count, nil
}

func mapKeys(m map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
