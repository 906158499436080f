/*
Package envelope implements the token envelope (component A): AES-256-GCM
encryption of a connected user's Marketplace access token, plus random
webhook secret generation.

Every other component that needs the token (the marketplace client, the
bulk-sync engine, the write-path reconciler) goes through Open; nothing
outside this package ever sees a raw key. The encryption key itself is
supplied by the caller — provisioning and rotating it against an external
KMS is out of scope here, same as the rest of this service's ambient
configuration.

# Usage

	env, err := envelope.New(encryptionKey) // 32 bytes
	if err != nil {
		log.Fatal(err)
	}

	sealed, err := env.Seal([]byte(accessToken))
	// store sealed in SyncSettings.TokenEncrypted

	token, err := env.Open(settings.TokenEncrypted)

	secret, err := envelope.NewWebhookSecret()
	// store secret in SyncSettings.WebhookSecret
*/
package envelope
