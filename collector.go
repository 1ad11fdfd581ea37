package ykauth

// KeyEntryKind discriminates what a [KeyEntryRequest] is asking the
// collector to supply.
type KeyEntryKind uint8

const (
	// Release signals that the operation which prompted earlier
	// requests has finished; the collector should dismiss any UI and
	// wipe buffered secrets. Its return value is ignored.
	Release KeyEntryKind = iota

	// AuthenticateManagementKey requests the current 16-byte
	// management key via [KeyEntryRequest.SubmitValue].
	AuthenticateManagementKey

	// ChangeManagementKey requests the current and new management
	// keys via [KeyEntryRequest.SubmitValues].
	ChangeManagementKey

	// AuthenticateCredentialPassword requests the password of the
	// credential named by [KeyEntryRequest.Label]. The submitted
	// value is the raw password; the session derives the credential
	// key from it.
	AuthenticateCredentialPassword

	// TouchRequest notifies the collector that the device is about
	// to wait for physical touch confirmation. No value is expected;
	// returning false cancels before the device starts waiting.
	TouchRequest
)

func (k KeyEntryKind) String() string {
	switch k {
	case Release:
		return "release"
	case AuthenticateManagementKey:
		return "authenticate management key"
	case ChangeManagementKey:
		return "change management key"
	case AuthenticateCredentialPassword:
		return "authenticate credential password"
	case TouchRequest:
		return "touch request"
	default:
		return "unknown key entry request"
	}
}

// KeyEntryRequest asks a [KeyCollector] for exactly one category of
// secret or confirmation. The same logical operation may issue several
// requests: one per required secret, plus one per wrong-secret retry.
type KeyEntryRequest struct {
	// Kind is the category of secret or confirmation requested.
	Kind KeyEntryKind

	// Label names the credential involved, when there is one.
	Label string

	retries int
	values  [][]byte
}

// Retries reports the attempts remaining on the slot before it locks,
// or -1 before the device has rejected a first attempt.
func (r *KeyEntryRequest) Retries() int {
	return r.retries
}

// IsRetry reports whether a previously submitted value was rejected.
func (r *KeyEntryRequest) IsRetry() bool {
	return r.retries >= 0
}

// SubmitValue attaches the requested secret to the request. The
// session wipes the value once consumed.
func (r *KeyEntryRequest) SubmitValue(value []byte) {
	r.values = [][]byte{value}
}

// SubmitValues attaches a current/new secret pair, for request kinds
// which change a secret.
func (r *KeyEntryRequest) SubmitValues(current, replacement []byte) {
	r.values = [][]byte{current, replacement}
}

// wipe zeroizes and drops any submitted values.
func (r *KeyEntryRequest) wipe() {
	for _, v := range r.values {
		for i := range v {
			v[i] = 0
		}
	}
	r.values = nil
}

// KeyCollector supplies secrets and touch confirmation on demand
// during a session operation.
//
// Collect reports false when the user cancelled; the session aborts
// the operation with [ErrOperationCancelled]. A collector is invoked
// again with an updated [KeyEntryRequest.Retries] after each
// wrong-secret rejection, bounded only by the slot's counter.
//
// Collectors are also invoked with a [Release] request on every exit
// path of an operation which issued requests, including failures.
type KeyCollector interface {
	Collect(*KeyEntryRequest) bool
}

// KeyCollectorFunc adapts a function to the [KeyCollector] interface.
type KeyCollectorFunc func(*KeyEntryRequest) bool

// Collect implements [KeyCollector].
func (f KeyCollectorFunc) Collect(request *KeyEntryRequest) bool {
	return f(request)
}

// release notifies the collector that the operation finished. Safe to
// defer with a nil collector.
func release(collector KeyCollector, label string) {
	if collector != nil {
		collector.Collect(&KeyEntryRequest{Kind: Release, Label: label, retries: -1})
	}
}

// collectOne runs a single collector round trip and returns the lone
// submitted value.
func collectOne(collector KeyCollector, request *KeyEntryRequest) ([]byte, error) {
	if !collector.Collect(request) {
		return nil, ErrOperationCancelled
	}
	if len(request.values) != 1 {
		return nil, Error("key collector submitted no value")
	}
	return request.values[0], nil
}
