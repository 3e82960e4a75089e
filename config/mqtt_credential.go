package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
)

// mqttCredentialFile holds the plaintext username/password the hub's
// own internal MQTT client (the discovery consumer's Paho connection)
// uses to authenticate to the embedded broker.
//
// This sits outside spec §6's named persisted-file list on purpose:
// auth.Service only ever retains argon2id hashes (spec §4.14), but
// mqttbroker.Config's mochi-mqtt auth.Hook ledger compares plaintext
// passwords, so something has to hold a recoverable secret for the
// hub's own loopback client. A small 0600 file colocated with the rest
// of CONFIG_DIR is the least surprising place for it; it is never
// handed to a device integration, only to the in-process discovery
// client.
const mqttCredentialFile = "mqtt_internal.json"

// InternalMQTTCredential is the username/password pair the hub uses to
// authenticate its own internal MQTT client against the embedded
// broker.
type InternalMQTTCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoadOrCreateInternalMQTTCredential reads the internal credential from
// CONFIG_DIR, creating and persisting a freshly generated one on first
// run.
func (c Config) LoadOrCreateInternalMQTTCredential() (InternalMQTTCredential, error) {
	path := c.path(mqttCredentialFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var cred InternalMQTTCredential
		if jerr := json.Unmarshal(data, &cred); jerr == nil && cred.Username != "" && cred.Password != "" {
			return cred, nil
		}
	} else if !os.IsNotExist(err) {
		return InternalMQTTCredential{}, err
	}

	password, err := randomHex(24)
	if err != nil {
		return InternalMQTTCredential{}, err
	}
	cred := InternalMQTTCredential{Username: "homehub-internal", Password: password}
	if err := writeJSONAtomic(path, cred); err != nil {
		return InternalMQTTCredential{}, err
	}
	return cred, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
