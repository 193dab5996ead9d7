package delivery

import (
	"fmt"
	"strings"

	"github.com/wrenmsg/go-wren/config"
	"go.uber.org/zap"
)

// phonePrefix marks a recipient handle that has no stable service id yet.
const phonePrefix = "tel:"

// resolvedRecipient is one device-bearing target of a send.
type resolvedRecipient struct {
	serviceID string
	devices   []*recipientDevice
}

// resolution is the outcome of one resolver pass. lookups lists phone
// handles that need directory resolution before the recipient can be
// targeted.
type resolution struct {
	recipients []*resolvedRecipient
	skipped    []string
	lookups    []string
}

// resolver computes the device-bearing recipient set for a message. All
// methods run inside the caller's transaction.
type resolver struct {
	config *config.Config
	db     *database
	log    *zap.SugaredLogger
}

func newResolver(c *config.Config, d *database) *resolver {
	return &resolver{config: c, db: d, log: c.Logger("delivery/resolver")}
}

func (r *resolver) resolve(msg *outgoingMessage, conv *conversationRow) (*resolution, error) {
	li, err := r.db.localIdentity()
	if err != nil {
		return nil, err
	}
	if li == nil {
		return nil, fmt.Errorf("delivery: resolving without a local identity")
	}

	if msg.Sync {
		return r.resolveSync(li)
	}

	intended, err := r.db.messageRecipients(msg.ID)
	if err != nil {
		return nil, err
	}

	if conv.Kind == ConversationDirect {
		return r.resolveDirect(li, intended)
	}
	return r.resolveGroup(li, msg, conv, intended)
}

// resolveSync targets only the sender's own other devices.
func (r *resolver) resolveSync(li *localIdentity) (*resolution, error) {
	devices, err := r.db.recipientDevices(li.ServiceID)
	if err != nil {
		return nil, err
	}
	others := make([]*recipientDevice, 0, len(devices))
	for _, d := range devices {
		if d.DeviceID == li.DeviceID {
			continue
		}
		others = append(others, d)
	}
	res := &resolution{}
	if len(others) > 0 {
		res.recipients = append(res.recipients, &resolvedRecipient{serviceID: li.ServiceID, devices: others})
	}
	return res, nil
}

func (r *resolver) resolveDirect(li *localIdentity, intended []*messageRecipient) (*resolution, error) {
	res := &resolution{}
	for _, mr := range intended {
		if mr.ServiceID == li.ServiceID {
			r.log.Warnf("self-addressed direct message recipient %s, dropping", mr.ServiceID)
			continue
		}
		if strings.HasPrefix(mr.ServiceID, phonePrefix) {
			res.lookups = append(res.lookups, strings.TrimPrefix(mr.ServiceID, phonePrefix))
			continue
		}
		rec, err := r.db.recipient(mr.ServiceID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.Registered {
			res.skipped = append(res.skipped, mr.ServiceID)
			continue
		}
		if rec.Blocked {
			return nil, &BlockedRecipientError{ServiceID: mr.ServiceID}
		}
		devices, err := r.db.recipientDevices(mr.ServiceID)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			res.skipped = append(res.skipped, mr.ServiceID)
			continue
		}
		res.recipients = append(res.recipients, &resolvedRecipient{serviceID: mr.ServiceID, devices: devices})
	}
	return res, nil
}

// resolveGroup intersects the originally intended recipients with the
// current membership. Members who left since the message was queued are
// skipped; structural updates may additionally target not-yet-accepted
// invitees.
func (r *resolver) resolveGroup(li *localIdentity, msg *outgoingMessage, conv *conversationRow, intended []*messageRecipient) (*resolution, error) {
	members, err := r.db.conversationMembers(conv.ID)
	if err != nil {
		return nil, err
	}
	eligible := make(map[string]bool, len(members))
	for _, m := range members {
		if m.Invited && !msg.Structural {
			continue
		}
		eligible[m.ServiceID] = true
	}

	res := &resolution{}
	for _, mr := range intended {
		if mr.ServiceID == li.ServiceID {
			continue
		}
		if strings.HasPrefix(mr.ServiceID, phonePrefix) {
			res.lookups = append(res.lookups, strings.TrimPrefix(mr.ServiceID, phonePrefix))
			continue
		}
		if !eligible[mr.ServiceID] {
			res.skipped = append(res.skipped, mr.ServiceID)
			continue
		}
		rec, err := r.db.recipient(mr.ServiceID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.Registered || rec.Blocked {
			res.skipped = append(res.skipped, mr.ServiceID)
			continue
		}
		devices, err := r.db.recipientDevices(mr.ServiceID)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			res.skipped = append(res.skipped, mr.ServiceID)
			continue
		}
		res.recipients = append(res.recipients, &resolvedRecipient{serviceID: mr.ServiceID, devices: devices})
	}
	return res, nil
}
