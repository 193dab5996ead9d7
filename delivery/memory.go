package delivery

import (
	"fmt"
	"sync"

	"github.com/wrenmsg/go-wren/clock"
	"github.com/wrenmsg/go-wren/config"
)

type deviceKey struct {
	serviceID string
	deviceID  uint32
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%s.%d", k.serviceID, k.deviceID)
}

type signatureRecord struct {
	count  int
	seenMs uint64
}

// errorMemory records recent untrusted-identity, invalid-signature and
// missing-device outcomes so doomed prekey fetches can be short-circuited
// before they hit the network. Process-wide, never persisted.
type errorMemory struct {
	lock             sync.Mutex
	clock            clock.Clock
	identityWindowMs uint64
	missingWindowMs  uint64
	untrusted        map[string]uint64
	signatures       map[deviceKey]*signatureRecord
	missing          map[deviceKey]uint64
}

func newErrorMemory(c *config.Config, cl clock.Clock) *errorMemory {
	return &errorMemory{
		clock:            cl,
		identityWindowMs: uint64(c.IdentityErrorWindowMs),
		missingWindowMs:  uint64(c.MissingDeviceWindowMs),
		untrusted:        make(map[string]uint64),
		signatures:       make(map[deviceKey]*signatureRecord),
		missing:          make(map[deviceKey]uint64),
	}
}

func (em *errorMemory) rememberUntrusted(serviceID string) {
	em.lock.Lock()
	defer em.lock.Unlock()
	em.untrusted[serviceID] = em.clock.CurrentTimeMs()
}

func (em *errorMemory) untrustedFresh(serviceID string) bool {
	em.lock.Lock()
	defer em.lock.Unlock()
	seen, ok := em.untrusted[serviceID]
	if !ok {
		return false
	}
	if em.clock.CurrentTimeMs()-seen >= em.identityWindowMs {
		delete(em.untrusted, serviceID)
		return false
	}
	return true
}

// rememberSignature bumps the invalid-signature counter for a device and
// returns the occurrence count within the current window.
func (em *errorMemory) rememberSignature(serviceID string, deviceID uint32) int {
	em.lock.Lock()
	defer em.lock.Unlock()
	now := em.clock.CurrentTimeMs()
	k := deviceKey{serviceID, deviceID}
	rec, ok := em.signatures[k]
	if !ok || now-rec.seenMs >= em.identityWindowMs {
		rec = &signatureRecord{}
		em.signatures[k] = rec
	}
	rec.count++
	rec.seenMs = now
	return rec.count
}

// signatureTerminal reports whether a second-or-later invalid signature was
// seen for this device within the window.
func (em *errorMemory) signatureTerminal(serviceID string, deviceID uint32) bool {
	em.lock.Lock()
	defer em.lock.Unlock()
	rec, ok := em.signatures[deviceKey{serviceID, deviceID}]
	if !ok {
		return false
	}
	if em.clock.CurrentTimeMs()-rec.seenMs >= em.identityWindowMs {
		delete(em.signatures, deviceKey{serviceID, deviceID})
		return false
	}
	return rec.count >= 2
}

func (em *errorMemory) rememberMissing(serviceID string, deviceID uint32) {
	em.lock.Lock()
	defer em.lock.Unlock()
	em.missing[deviceKey{serviceID, deviceID}] = em.clock.CurrentTimeMs()
}

func (em *errorMemory) missingFresh(serviceID string, deviceID uint32) bool {
	em.lock.Lock()
	defer em.lock.Unlock()
	k := deviceKey{serviceID, deviceID}
	seen, ok := em.missing[k]
	if !ok {
		return false
	}
	if em.clock.CurrentTimeMs()-seen >= em.missingWindowMs {
		delete(em.missing, k)
		return false
	}
	return true
}

// forgetUntrusted clears the remembered identity error after the caller has
// re-verified the identity key.
func (em *errorMemory) forgetUntrusted(serviceID string) {
	em.lock.Lock()
	defer em.lock.Unlock()
	delete(em.untrusted, serviceID)
}

// forget clears all memories for a device after a successful establish.
func (em *errorMemory) forget(serviceID string, deviceID uint32) {
	em.lock.Lock()
	defer em.lock.Unlock()
	delete(em.untrusted, serviceID)
	delete(em.signatures, deviceKey{serviceID, deviceID})
	delete(em.missing, deviceKey{serviceID, deviceID})
}
