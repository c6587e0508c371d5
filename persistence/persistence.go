// Package persistence saves and restores the cluster-controller's runtime
// state across restarts: the routing table, the multicast receiver
// directory, and both the consumer- and provider-side subscription
// bookkeeping. Each concern gets its own JSON file inside a single store
// directory: one file per concern, synchronous reads and writes,
// best-effort cleanup of files that were never written.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/multicast"
	"github.com/carmesh/cc/publication"
	"github.com/carmesh/cc/routingtable"
	"github.com/carmesh/cc/subscription"
)

const (
	routingTableFile  = "routingtable.json"
	multicastFile     = "multicast.json"
	subscriptionsFile = "subscriptions.json"
	providerSubsFile  = "provider_subscriptions.json"
)

// Store persists cluster-controller state as JSON files under dir.
type Store struct {
	dir         string
	permissions os.FileMode
}

// Option configures a Store.
type Option func(*Store)

// WithPermissions sets the file permissions used for every file this Store
// writes. Default is 0644.
func WithPermissions(perm os.FileMode) Option {
	return func(s *Store) { s.permissions = perm }
}

// Open creates dir, and any missing parents, if it does not already exist,
// and returns a Store rooted there.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, permissions: 0644}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, s.permissions|0111); err != nil {
		return nil, ccerr.Wrap(ccerr.KindPersistence, "creating store directory", err)
	}
	return s, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) writeJSON(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ccerr.Wrap(ccerr.KindPersistence, fmt.Sprintf("marshaling %s", name), err)
	}
	if err := os.WriteFile(s.path(name), data, s.permissions); err != nil {
		return ccerr.Wrap(ccerr.KindPersistence, fmt.Sprintf("writing %s", name), err)
	}
	return nil
}

// readJSON loads name into v. A missing file is not an error: v is left at
// whatever zero value the caller passed in, matching FileStore's
// os.IsNotExist handling.
func (s *Store) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ccerr.Wrap(ccerr.KindPersistence, fmt.Sprintf("reading %s", name), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ccerr.Wrap(ccerr.KindPersistence, fmt.Sprintf("unmarshaling %s", name), err)
	}
	return nil
}

// wireAddress is address.Address's on-disk tagged-union encoding. The
// interface carries no struct tags of its own to marshal against, so Store
// hand-encodes the variant the same way envelope/wire.go hand-encodes its
// own tagged fields.
type wireAddress struct {
	Kind address.Kind `json:"kind"`

	ParticipantID string `json:"participantId,omitempty"`

	BrokerURI string `json:"brokerUri,omitempty"`
	Topic     string `json:"topic,omitempty"`

	MessagingEndpointURL string `json:"messagingEndpointUrl,omitempty"`
	ChannelID            string `json:"channelId,omitempty"`

	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`

	ID string `json:"id,omitempty"`
}

func encodeAddress(a address.Address) wireAddress {
	switch v := a.(type) {
	case address.InProcess:
		return wireAddress{Kind: address.KindInProcess, ParticipantID: v.ParticipantID}
	case address.Mqtt:
		return wireAddress{Kind: address.KindMqtt, BrokerURI: v.BrokerURI, Topic: v.Topic}
	case address.HttpChannel:
		return wireAddress{Kind: address.KindHttpChannel, MessagingEndpointURL: v.MessagingEndpointURL, ChannelID: v.ChannelID}
	case address.WebSocketServer:
		return wireAddress{Kind: address.KindWebSocketServer, Protocol: v.Protocol, Host: v.Host, Port: v.Port, Path: v.Path}
	case address.WebSocketClient:
		return wireAddress{Kind: address.KindWebSocketClient, ID: v.ID}
	default:
		return wireAddress{}
	}
}

func decodeAddress(w wireAddress) (address.Address, error) {
	switch w.Kind {
	case address.KindInProcess:
		return address.InProcess{ParticipantID: w.ParticipantID}, nil
	case address.KindMqtt:
		return address.Mqtt{BrokerURI: w.BrokerURI, Topic: w.Topic}, nil
	case address.KindHttpChannel:
		return address.HttpChannel{MessagingEndpointURL: w.MessagingEndpointURL, ChannelID: w.ChannelID}, nil
	case address.KindWebSocketServer:
		return address.WebSocketServer{Protocol: w.Protocol, Host: w.Host, Port: w.Port, Path: w.Path}, nil
	case address.KindWebSocketClient:
		return address.WebSocketClient{ID: w.ID}, nil
	default:
		return nil, fmt.Errorf("persistence: unknown address kind %q", w.Kind)
	}
}

// WireAddress is the JSON-serializable tagged-union form of address.Address,
// exported so callers outside this package (e.g. the discoveryEntries.json
// loader) can read and write the same shape this Store persists routing
// table entries in.
type WireAddress = wireAddress

// EncodeAddress converts an address.Address to its WireAddress form.
func EncodeAddress(a address.Address) WireAddress { return encodeAddress(a) }

// DecodeAddress converts a WireAddress back to an address.Address.
func DecodeAddress(w WireAddress) (address.Address, error) { return decodeAddress(w) }

type wireRoutingEntry struct {
	ParticipantID     string      `json:"participantId"`
	Address           wireAddress `json:"address"`
	IsGloballyVisible bool        `json:"isGloballyVisible"`
	ExpiryMs          int64       `json:"expiryMs"`
	IsSticky          bool        `json:"isSticky"`
	RefCount          int         `json:"refCount"`
}

// SaveRoutingTable writes every entry currently in table to disk,
// including provisioned (sticky) discovery entries.
func (s *Store) SaveRoutingTable(table *routingtable.Table) error {
	snap := table.Snapshot()
	out := make([]wireRoutingEntry, 0, len(snap))
	for id, e := range snap {
		out = append(out, wireRoutingEntry{
			ParticipantID:     id,
			Address:           encodeAddress(e.Address),
			IsGloballyVisible: e.IsGloballyVisible,
			ExpiryMs:          e.ExpiryMs,
			IsSticky:          e.IsSticky,
			RefCount:          e.RefCount,
		})
	}
	return s.writeJSON(routingTableFile, out)
}

// LoadRoutingTable restores table's contents from disk. Entries whose
// address variant cannot be decoded are skipped; entries already past
// their ExpiryMs are discarded by Table.Restore itself.
func (s *Store) LoadRoutingTable(table *routingtable.Table) error {
	var wire []wireRoutingEntry
	if err := s.readJSON(routingTableFile, &wire); err != nil {
		return err
	}
	entries := make(map[string]routingtable.Entry, len(wire))
	for _, w := range wire {
		addr, err := decodeAddress(w.Address)
		if err != nil {
			continue
		}
		entries[w.ParticipantID] = routingtable.Entry{
			Address:           addr,
			IsGloballyVisible: w.IsGloballyVisible,
			ExpiryMs:          w.ExpiryMs,
			IsSticky:          w.IsSticky,
			RefCount:          w.RefCount,
		}
	}
	table.Restore(entries)
	return nil
}

// SaveMulticastDirectory writes every multicast receiver registration to
// disk.
func (s *Store) SaveMulticastDirectory(dir *multicast.Directory) error {
	return s.writeJSON(multicastFile, dir.Snapshot())
}

// LoadMulticastDirectory restores dir's registrations from disk.
func (s *Store) LoadMulticastDirectory(dir *multicast.Directory) error {
	var snaps []multicast.Snapshot
	if err := s.readJSON(multicastFile, &snaps); err != nil {
		return err
	}
	dir.Restore(snaps)
	return nil
}

type qosKind string

const (
	qosOnChange          qosKind = "on-change"
	qosOnChangeKeepAlive qosKind = "on-change-keep-alive"
	qosPeriodic          qosKind = "periodic"
)

// wireQos is subscription.Qos's on-disk tagged-union encoding, covering
// every field any variant needs; fields a given Kind does not use are left
// at their zero value.
type wireQos struct {
	Kind                 qosKind `json:"kind"`
	ExpiryDateMs         int64   `json:"expiryDateMs"`
	PublicationTtlMs     int64   `json:"publicationTtlMs"`
	MinIntervalMs        int64   `json:"minIntervalMs,omitempty"`
	MaxIntervalMs        int64   `json:"maxIntervalMs,omitempty"`
	PeriodMs             int64   `json:"periodMs,omitempty"`
	AlertAfterIntervalMs int64   `json:"alertAfterIntervalMs,omitempty"`
}

func encodeQos(q subscription.Qos) (wireQos, error) {
	switch v := q.(type) {
	case *subscription.OnChangeWithKeepAliveQos:
		return wireQos{
			Kind:                 qosOnChangeKeepAlive,
			ExpiryDateMs:         v.ExpiryDateMs(),
			PublicationTtlMs:     v.PublicationTtlMs(),
			MinIntervalMs:        v.MinIntervalMs(),
			MaxIntervalMs:        v.MaxIntervalMs(),
			AlertAfterIntervalMs: v.AlertAfterIntervalMs(),
		}, nil
	case *subscription.OnChangeQos:
		return wireQos{
			Kind:             qosOnChange,
			ExpiryDateMs:     v.ExpiryDateMs(),
			PublicationTtlMs: v.PublicationTtlMs(),
			MinIntervalMs:    v.MinIntervalMs(),
		}, nil
	case *subscription.PeriodicQos:
		return wireQos{
			Kind:                 qosPeriodic,
			ExpiryDateMs:         v.ExpiryDateMs(),
			PublicationTtlMs:     v.PublicationTtlMs(),
			PeriodMs:             v.PeriodMs(),
			AlertAfterIntervalMs: v.AlertAfterIntervalMs(),
		}, nil
	default:
		return wireQos{}, fmt.Errorf("persistence: unknown qos type %T", q)
	}
}

func decodeQos(w wireQos) (subscription.Qos, error) {
	switch w.Kind {
	case qosOnChangeKeepAlive:
		return subscription.RestoreOnChangeWithKeepAliveQos(w.ExpiryDateMs, w.PublicationTtlMs, w.MinIntervalMs, w.MaxIntervalMs, w.AlertAfterIntervalMs), nil
	case qosOnChange:
		return subscription.RestoreOnChangeQos(w.ExpiryDateMs, w.PublicationTtlMs, w.MinIntervalMs), nil
	case qosPeriodic:
		return subscription.RestorePeriodicQos(w.ExpiryDateMs, w.PublicationTtlMs, w.PeriodMs, w.AlertAfterIntervalMs), nil
	default:
		return nil, fmt.Errorf("persistence: unknown qos kind %q", w.Kind)
	}
}

type wireSubscription struct {
	SubscriptionID        string  `json:"subscriptionId"`
	ProviderID            string  `json:"providerId"`
	SubscriberID          string  `json:"subscriberId"`
	Qos                   wireQos `json:"qos"`
	LastPublicationTimeMs int64   `json:"lastPublicationTimeMs"`
	AlertAfterIntervalMs  int64   `json:"alertAfterIntervalMs"`
}

// SaveSubscriptions writes every active consumer-side subscription to
// disk.
func (s *Store) SaveSubscriptions(mgr *subscription.Manager) error {
	states := mgr.Snapshot()
	out := make([]wireSubscription, 0, len(states))
	for _, st := range states {
		q, err := encodeQos(st.Qos)
		if err != nil {
			continue
		}
		out = append(out, wireSubscription{
			SubscriptionID:        st.SubscriptionID,
			ProviderID:            st.ProviderID,
			SubscriberID:          st.SubscriberID,
			Qos:                   q,
			LastPublicationTimeMs: st.LastPublicationTimeMs,
			AlertAfterIntervalMs:  st.AlertAfterIntervalMs,
		})
	}
	return s.writeJSON(subscriptionsFile, out)
}

// LoadSubscriptions restores consumer-side subscriptions from disk,
// resolving each one's Callback via cbFor. A subscription cbFor cannot
// resolve, e.g. because the attribute it watched is no longer exposed in
// this process, is discarded, as is one whose QoS has already expired.
func (s *Store) LoadSubscriptions(mgr *subscription.Manager, cbFor func(subscriptionID string) subscription.Callback) error {
	var wire []wireSubscription
	if err := s.readJSON(subscriptionsFile, &wire); err != nil {
		return err
	}
	states := make([]subscription.State, 0, len(wire))
	for _, w := range wire {
		q, err := decodeQos(w.Qos)
		if err != nil {
			continue
		}
		states = append(states, subscription.State{
			SubscriptionID:        w.SubscriptionID,
			ProviderID:            w.ProviderID,
			SubscriberID:          w.SubscriberID,
			Qos:                   q,
			LastPublicationTimeMs: w.LastPublicationTimeMs,
			AlertAfterIntervalMs:  w.AlertAfterIntervalMs,
		})
	}
	mgr.Restore(states, cbFor)
	return nil
}

type wireProviderSubscription struct {
	SubscriptionID        string  `json:"subscriptionId"`
	ProviderID            string  `json:"providerId"`
	SubscriberID          string  `json:"subscriberId"`
	Name                  string  `json:"name"`
	Qos                   wireQos `json:"qos"`
	LastPublicationTimeMs int64   `json:"lastPublicationTimeMs"`
}

// SaveProviderSubscriptions writes every active provider-side subscription
// to disk.
func (s *Store) SaveProviderSubscriptions(mgr *publication.Manager) error {
	snaps := mgr.Snapshot()
	out := make([]wireProviderSubscription, 0, len(snaps))
	for _, sn := range snaps {
		q, err := encodeQos(sn.Qos)
		if err != nil {
			continue
		}
		out = append(out, wireProviderSubscription{
			SubscriptionID:        sn.SubscriptionID,
			ProviderID:            sn.ProviderID,
			SubscriberID:          sn.SubscriberID,
			Name:                  sn.Name,
			Qos:                   q,
			LastPublicationTimeMs: sn.LastPublicationTimeMs,
		})
	}
	return s.writeJSON(providerSubsFile, out)
}

// LoadProviderSubscriptions restores provider-side subscriptions from
// disk, rescheduling each one's periodic or keep-alive timer exactly as
// Add would.
func (s *Store) LoadProviderSubscriptions(mgr *publication.Manager) error {
	var wire []wireProviderSubscription
	if err := s.readJSON(providerSubsFile, &wire); err != nil {
		return err
	}
	snaps := make([]publication.ProviderSubscriptionSnapshot, 0, len(wire))
	for _, w := range wire {
		q, err := decodeQos(w.Qos)
		if err != nil {
			continue
		}
		snaps = append(snaps, publication.ProviderSubscriptionSnapshot{
			SubscriptionID:        w.SubscriptionID,
			ProviderID:            w.ProviderID,
			SubscriberID:          w.SubscriberID,
			Name:                  w.Name,
			Qos:                   q,
			LastPublicationTimeMs: w.LastPublicationTimeMs,
		})
	}
	mgr.Restore(snaps)
	return nil
}

// SaveAll persists every concern this Store tracks in one call, used on
// graceful shutdown.
func (s *Store) SaveAll(table *routingtable.Table, multicastDir *multicast.Directory, subs *subscription.Manager, providerSubs *publication.Manager) error {
	if err := s.SaveRoutingTable(table); err != nil {
		return err
	}
	if err := s.SaveMulticastDirectory(multicastDir); err != nil {
		return err
	}
	if err := s.SaveSubscriptions(subs); err != nil {
		return err
	}
	return s.SaveProviderSubscriptions(providerSubs)
}

// Clear removes every file this Store manages, discarding all persisted
// state. Missing files are not an error.
func (s *Store) Clear() error {
	for _, name := range []string{routingTableFile, multicastFile, subscriptionsFile, providerSubsFile} {
		if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
			return ccerr.Wrap(ccerr.KindPersistence, fmt.Sprintf("removing %s", name), err)
		}
	}
	return nil
}
