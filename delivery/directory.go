package delivery

import (
	"fmt"

	"github.com/wrenmsg/go-wren/ids"
	"golang.org/x/exp/slices"
)

// Recipient is the caller-facing view of a directory entry.
type Recipient struct {
	ServiceID  string
	Phone      string
	Registered bool
	Blocked    bool
	Devices    []uint32
}

func (s *Sender) Recipient(serviceID string) (*Recipient, error) {
	var rec *Recipient
	err := s.db.Run("get recipient", func() error {
		row, err := s.db.recipient(serviceID)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		devices, err := s.db.recipientDevices(serviceID)
		if err != nil {
			return err
		}
		rec = &Recipient{
			ServiceID:  row.ServiceID,
			Phone:      row.Phone,
			Registered: row.Registered,
			Blocked:    row.Blocked,
		}
		for _, d := range devices {
			rec.Devices = append(rec.Devices, d.DeviceID)
		}
		slices.Sort(rec.Devices)
		return nil
	})
	return rec, err
}

func (s *Sender) UpsertRecipient(serviceID, phone string) error {
	return s.db.Run("upsert recipient", func() error {
		return s.db.upsertRecipient(&recipientRow{ServiceID: serviceID, Phone: phone, Registered: true})
	})
}

func (s *Sender) SetRecipientBlocked(serviceID string, blocked bool) error {
	return s.db.Run("set recipient blocked", func() error {
		row, err := s.db.recipient(serviceID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("delivery: no recipient %s", serviceID)
		}
		row.Blocked = blocked
		return s.db.upsertRecipient(row)
	})
}

// AddRecipientDevices records devices for a recipient, creating the
// recipient row first when it does not exist yet.
func (s *Sender) AddRecipientDevices(serviceID string, deviceIDs []uint32) error {
	return s.db.Run("add recipient devices", func() error {
		rec, err := s.db.recipient(serviceID)
		if err != nil {
			return err
		}
		if rec == nil {
			if err := s.db.upsertRecipient(&recipientRow{ServiceID: serviceID, Registered: true}); err != nil {
				return err
			}
		}
		for _, deviceID := range deviceIDs {
			if err := s.db.upsertRecipientDevice(&recipientDevice{ServiceID: serviceID, DeviceID: deviceID}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveRecipientDevices drops devices from the directory and archives their
// sessions.
func (s *Sender) RemoveRecipientDevices(serviceID string, deviceIDs []uint32) error {
	return s.removeDevices(serviceID, deviceIDs)
}

// TrustIdentity marks the identity key on record for serviceID as trusted
// again after the caller has re-verified it, and clears the remembered
// identity error.
func (s *Sender) TrustIdentity(serviceID string) error {
	if err := s.db.Run("trust identity", func() error {
		ki, err := s.db.knownIdentity(serviceID)
		if err != nil {
			return err
		}
		if ki == nil {
			return fmt.Errorf("delivery: no identity on record for %s", serviceID)
		}
		ki.Trusted = true
		return s.db.upsertKnownIdentity(ki)
	}); err != nil {
		return err
	}
	s.memory.forgetUntrusted(serviceID)
	return nil
}

// CreateConversation registers a conversation with its initial membership.
func (s *Sender) CreateConversation(kind int, memberIDs []string) (ids.ID, error) {
	id := ids.NewID()
	err := s.db.Run("create conversation", func() error {
		if err := s.db.insertConversation(&conversationRow{ID: id[:], Kind: kind}); err != nil {
			return err
		}
		for _, serviceID := range memberIDs {
			if err := s.db.upsertConversationMember(&conversationMember{ConversationID: id[:], ServiceID: serviceID}); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// AddConversationMember adds or updates a member. An invited member only
// receives structural updates until invited is cleared.
func (s *Sender) AddConversationMember(conversationID ids.ID, serviceID string, invited bool) error {
	return s.db.Run("add conversation member", func() error {
		return s.db.upsertConversationMember(&conversationMember{ConversationID: conversationID[:], ServiceID: serviceID, Invited: invited})
	})
}

// RemoveConversationMember drops a member and rotates the conversation
// sender key so the departed member cannot read later fan-out messages.
func (s *Sender) RemoveConversationMember(conversationID ids.ID, serviceID string) error {
	return s.db.Run("remove conversation member", func() error {
		if err := s.db.deleteConversationMember(conversationID[:], serviceID); err != nil {
			return err
		}
		return s.db.deleteSenderKey(conversationID[:])
	})
}

// QueueMessage records an outgoing message and snapshots its intended
// recipients: the current membership, or the sender itself for sync
// messages. The snapshot is what resolution later intersects with the
// then-current membership.
func (s *Sender) QueueMessage(conversationID ids.ID, body []byte, structural, sync bool) (ids.ID, error) {
	id := ids.NewID()
	err := s.db.Run("queue message", func() error {
		li, err := s.db.localIdentity()
		if err != nil {
			return err
		}
		if li == nil {
			return fmt.Errorf("delivery: queueing without a local identity")
		}
		conv, err := s.db.conversation(conversationID[:])
		if err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("delivery: no conversation %x", conversationID)
		}
		if err := s.db.insertOutgoingMessage(&outgoingMessage{
			ID:             id[:],
			ConversationID: conversationID[:],
			Body:           body,
			CtimeMs:        s.clock.CurrentTimeMs(),
			Structural:     structural,
			Sync:           sync,
		}); err != nil {
			return err
		}

		if sync {
			return s.db.upsertMessageRecipient(&messageRecipient{MessageID: id[:], ServiceID: li.ServiceID})
		}
		members, err := s.db.conversationMembers(conversationID[:])
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.ServiceID == li.ServiceID {
				continue
			}
			if err := s.db.upsertMessageRecipient(&messageRecipient{MessageID: id[:], ServiceID: m.ServiceID}); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// MessageStatuses reports the per-recipient delivery status of a message.
func (s *Sender) MessageStatuses(messageID ids.ID) (map[string]int, error) {
	statuses := make(map[string]int)
	err := s.db.Run("get message statuses", func() error {
		recipients, err := s.db.messageRecipients(messageID[:])
		if err != nil {
			return err
		}
		for _, mr := range recipients {
			statuses[mr.ServiceID] = mr.Status
		}
		return nil
	})
	return statuses, err
}
