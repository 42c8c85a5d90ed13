package hub

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openhuddle/huddle/internal/room"
)

// roomRecord is the sqlite row for a room. Mailboxes and presence are
// transient and never persisted; rooms and memberships survive restarts.
type roomRecord struct {
	ID                  string `gorm:"primaryKey"`
	Name                string
	Code                string `gorm:"index"`
	HostID              string
	HostName            string
	MaxParticipants     int
	CurrentParticipants int
	Status              string
	Active              bool `gorm:"index"`
	CreatedAt           time.Time
	LastActivity        time.Time
}

type participantRecord struct {
	RoomID    string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Name      string
	AvatarURL string
	IsHost    bool
	IsActive  bool
	JoinedAt  time.Time
}

// persistence is the hub's write-through room store.
type persistence struct {
	db *gorm.DB
}

func openPersistence(path string) (*persistence, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open room database: %w", err)
	}
	if err := db.AutoMigrate(&roomRecord{}, &participantRecord{}); err != nil {
		return nil, fmt.Errorf("migrate room database: %w", err)
	}
	return &persistence{db: db}, nil
}

func (p *persistence) saveRoom(r room.Room) {
	rec := roomRecord{
		ID:                  r.ID,
		Name:                r.Name,
		Code:                r.Code,
		HostID:              r.HostID,
		HostName:            r.HostName,
		MaxParticipants:     r.MaxParticipants,
		CurrentParticipants: r.CurrentParticipants,
		Status:              string(r.Status),
		Active:              r.Active,
		CreatedAt:           r.CreatedAt,
		LastActivity:        r.LastActivity,
	}
	p.db.Save(&rec)
}

func (p *persistence) saveParticipant(roomID string, pt room.Participant) {
	rec := participantRecord{
		RoomID:    roomID,
		UserID:    pt.UserID,
		Name:      pt.Name,
		AvatarURL: pt.AvatarURL,
		IsHost:    pt.IsHost,
		IsActive:  pt.IsActive,
		JoinedAt:  pt.JoinedAt,
	}
	p.db.Save(&rec)
}

func (p *persistence) deleteParticipant(roomID, userID string) {
	p.db.Delete(&participantRecord{}, "room_id = ? AND user_id = ?", roomID, userID)
}

// activeRooms loads every still-active room and its memberships, for
// restoring the in-memory store after a restart.
func (p *persistence) activeRooms() ([]room.Room, map[string][]room.Participant, error) {
	var recs []roomRecord
	if err := p.db.Where("active = ?", true).Find(&recs).Error; err != nil {
		return nil, nil, fmt.Errorf("load active rooms: %w", err)
	}

	rooms := make([]room.Room, 0, len(recs))
	parts := make(map[string][]room.Participant, len(recs))
	for _, rec := range recs {
		r := room.Room{
			ID:                  rec.ID,
			Name:                rec.Name,
			Code:                rec.Code,
			HostID:              rec.HostID,
			HostName:            rec.HostName,
			MaxParticipants:     rec.MaxParticipants,
			CurrentParticipants: rec.CurrentParticipants,
			Status:              room.Status(rec.Status),
			Active:              rec.Active,
			CreatedAt:           rec.CreatedAt,
			LastActivity:        rec.LastActivity,
		}
		rooms = append(rooms, r)

		var precs []participantRecord
		if err := p.db.Where("room_id = ?", rec.ID).Find(&precs).Error; err != nil {
			return nil, nil, fmt.Errorf("load participants of %s: %w", rec.ID, err)
		}
		for _, pr := range precs {
			parts[rec.ID] = append(parts[rec.ID], room.Participant{
				UserID:    pr.UserID,
				Name:      pr.Name,
				AvatarURL: pr.AvatarURL,
				IsHost:    pr.IsHost,
				IsActive:  pr.IsActive,
				JoinedAt:  pr.JoinedAt,
			})
		}
	}
	return rooms, parts, nil
}
