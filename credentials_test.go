package ykauth_test

import (
	"errors"
	"testing"

	"github.com/cardkit/ykauth"
	"github.com/cardkit/ykauth/softtoken"
)

func TestCredentialRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	err := session.AddCredential(ctx, token, ykauth.NewCredential("ssh-backup", "hunter2", false))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}
	err = session.AddCredential(ctx, token, ykauth.NewCredential("code-signing", "hunter3", true))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	infos, err := session.ListCredentials(ctx, token)
	if err != nil {
		t.Fatalf("session.ListCredentials: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d credentials, expected 2", len(infos))
	}

	t.Log("credentials list in label order")
	if infos[0].Label != "code-signing" || infos[1].Label != "ssh-backup" {
		t.Errorf("unexpected labels: %q, %q", infos[0].Label, infos[1].Label)
	}
	if !infos[0].TouchRequired || infos[1].TouchRequired {
		t.Error("touch-required flags mixed up")
	}
	if infos[0].Retries != softtoken.DefaultRetries {
		t.Errorf("fresh credential reports %d retries", infos[0].Retries)
	}
	if infos[0].Algorithm != ykauth.AlgorithmAES128 {
		t.Errorf("fresh credential algorithm: %v", infos[0].Algorithm)
	}

	err = session.DeleteCredential(ctx, token, "ssh-backup")
	if err != nil {
		t.Fatalf("session.DeleteCredential: %v", err)
	}
	infos, err = session.ListCredentials(ctx, token)
	if err != nil {
		t.Fatalf("session.ListCredentials: %v", err)
	}
	if len(infos) != 1 || infos[0].Label != "code-signing" {
		t.Errorf("unexpected credentials after delete: %v", infos)
	}

	testSessionClose(ctx, t, token, session)
}

func TestCredentialErrors(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	err := session.AddCredential(ctx, token, ykauth.NewCredential("dupe", "pw", false))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	t.Run("duplicate label", func(t *testing.T) {
		err := session.AddCredential(ctx, token, ykauth.NewCredential("dupe", "other", false))
		if !errors.Is(err, ykauth.ErrDuplicateLabel) {
			t.Errorf("expected duplicate label, got: %v", err)
		}
	})

	t.Run("delete unknown", func(t *testing.T) {
		err := session.DeleteCredential(ctx, token, "no-such-label")
		if !errors.Is(err, ykauth.ErrNotFound) {
			t.Errorf("expected not found, got: %v", err)
		}
	})

	t.Run("retries of unknown", func(t *testing.T) {
		_, err := session.CredentialRetries(ctx, token, "no-such-label")
		if !errors.Is(err, ykauth.ErrNotFound) {
			t.Errorf("expected not found, got: %v", err)
		}
	})

	t.Run("empty label", func(t *testing.T) {
		err := session.AddCredential(ctx, token, ykauth.Credential{})
		if err == nil {
			t.Error("expected an empty label to be rejected")
		}
	})

	testSessionClose(ctx, t, token, session)
}

func TestTryAddCredential(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	t.Run("cancelled", func(t *testing.T) {
		collector := ykauth.KeyCollectorFunc(func(request *ykauth.KeyEntryRequest) bool {
			switch request.Kind {
			case ykauth.AuthenticateManagementKey:
				key := ykauth.DeriveManagementKey("password")
				request.SubmitValue(key[:])
				return true
			case ykauth.AuthenticateCredentialPassword:
				return false
			default:
				return true
			}
		})
		testAuthenticate(ctx, t, token, session, ykauth.WithKeyCollector(collector))

		added, err := session.TryAddCredential(ctx, token, "declined", false)
		if err != nil {
			t.Fatalf("session.TryAddCredential: %v", err)
		}
		if added {
			t.Error("cancelled credential reported as added")
		}

		infos, err := session.ListCredentials(ctx, token)
		if err != nil {
			t.Fatalf("session.ListCredentials: %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("cancelled add stored a credential: %v", infos)
		}
	})

	t.Run("added", func(t *testing.T) {
		collector := ykauth.KeyCollectorFunc(func(request *ykauth.KeyEntryRequest) bool {
			switch request.Kind {
			case ykauth.AuthenticateManagementKey:
				key := ykauth.DeriveManagementKey("password")
				request.SubmitValue(key[:])
			case ykauth.AuthenticateCredentialPassword:
				if request.Label != "accepted" {
					t.Errorf("request for label %q", request.Label)
				}
				request.SubmitValue([]byte("hunter2"))
			}
			return true
		})
		testAuthenticate(ctx, t, token, session, ykauth.WithKeyCollector(collector))

		added, err := session.TryAddCredential(ctx, token, "accepted", false)
		if err != nil {
			t.Fatalf("session.TryAddCredential: %v", err)
		}
		if !added {
			t.Error("credential not reported as added")
		}

		t.Log("the stored key must verify against the collected password")
		_, err = session.DeriveCredentialSessionKeys(ctx, token, "accepted", ykauth.DeriveCredentialKey("hunter2"))
		if err != nil {
			t.Errorf("session.DeriveCredentialSessionKeys: %v", err)
		}
	})

	testSessionClose(ctx, t, token, session)
}

func TestRenameCredential(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	for _, label := range []string{"old-name", "taken"} {
		err := session.AddCredential(ctx, token, ykauth.NewCredential(label, "pw", false))
		if err != nil {
			t.Fatalf("session.AddCredential(%q): %v", label, err)
		}
	}

	t.Run("collision", func(t *testing.T) {
		err := session.RenameCredential(ctx, token, "old-name", "taken")
		if !errors.Is(err, ykauth.ErrDuplicateLabel) {
			t.Errorf("expected duplicate label, got: %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		err := session.RenameCredential(ctx, token, "no-such-label", "new-name")
		if !errors.Is(err, ykauth.ErrNotFound) {
			t.Errorf("expected not found, got: %v", err)
		}
	})

	t.Run("renamed", func(t *testing.T) {
		err := session.RenameCredential(ctx, token, "old-name", "new-name")
		if err != nil {
			t.Fatalf("session.RenameCredential: %v", err)
		}

		infos, err := session.ListCredentials(ctx, token)
		if err != nil {
			t.Fatalf("session.ListCredentials: %v", err)
		}
		if len(infos) != 2 || infos[0].Label != "new-name" || infos[1].Label != "taken" {
			t.Errorf("unexpected credentials after rename: %v", infos)
		}
	})

	testSessionClose(ctx, t, token, session)
}

func TestRenameCredentialUnsupported(t *testing.T) {
	t.Parallel()
	ctx, token := newToken(t, softtoken.WithFeatures(0))
	var session ykauth.Session
	testAuthenticate(ctx, t, token, &session)

	err := session.AddCredential(ctx, token, ykauth.NewCredential("stuck", "pw", false))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	info, err := session.GetDeviceInfo(ctx, token)
	if err != nil {
		t.Fatalf("session.GetDeviceInfo: %v", err)
	}
	if info.SupportsRename() {
		t.Error("device info should not advertise rename")
	}

	err = session.RenameCredential(ctx, token, "stuck", "unstuck")
	if !errors.Is(err, ykauth.ErrUnsupportedFeature) {
		t.Errorf("expected unsupported feature, got: %v", err)
	}

	t.Log("the credential is unchanged after the failed rename")
	infos, err := session.ListCredentials(ctx, token)
	if err != nil {
		t.Fatalf("session.ListCredentials: %v", err)
	}
	if len(infos) != 1 || infos[0].Label != "stuck" {
		t.Errorf("unexpected credentials: %v", infos)
	}

	testSessionClose(ctx, t, token, &session)
}

func TestCredentialRetryReset(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	err := session.AddCredential(ctx, token, ykauth.NewCredential("vaulted", "correct horse", false))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	_, err = session.DeriveCredentialSessionKeys(ctx, token, "vaulted", ykauth.DeriveCredentialKey("battery staple"))
	var wrong *ykauth.WrongSecretError
	if !errors.As(err, &wrong) {
		t.Fatalf("expected wrong-secret rejection, got: %v", err)
	}
	if wrong.Retries != softtoken.DefaultRetries-1 {
		t.Errorf("retries remaining %d != %d", wrong.Retries, softtoken.DefaultRetries-1)
	}

	t.Log("a correct secret restores the full counter")
	_, err = session.DeriveCredentialSessionKeys(ctx, token, "vaulted", ykauth.DeriveCredentialKey("correct horse"))
	if err != nil {
		t.Fatalf("session.DeriveCredentialSessionKeys: %v", err)
	}

	retries, err := session.CredentialRetries(ctx, token, "vaulted")
	if err != nil {
		t.Fatalf("session.CredentialRetries: %v", err)
	}
	if retries != softtoken.DefaultRetries {
		t.Errorf("retries %d != %d after success", retries, softtoken.DefaultRetries)
	}

	testSessionClose(ctx, t, token, session)
}

func TestCredentialExhaustion(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	err := session.AddCredential(ctx, token, ykauth.NewCredential("locked-out", "right", false))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	wrongKey := ykauth.DeriveCredentialKey("wrong")
	for i := softtoken.DefaultRetries - 1; i > 0; i-- {
		_, err := session.DeriveCredentialSessionKeys(ctx, token, "locked-out", wrongKey)
		var wrong *ykauth.WrongSecretError
		if !errors.As(err, &wrong) {
			t.Fatalf("expected wrong-secret rejection, got: %v", err)
		}
		if wrong.Retries != i {
			t.Errorf("retries remaining %d != %d", wrong.Retries, i)
		}
	}

	t.Log("the final wrong attempt locks the credential")
	_, err = session.DeriveCredentialSessionKeys(ctx, token, "locked-out", wrongKey)
	if !errors.Is(err, ykauth.ErrRetriesExhausted) {
		t.Fatalf("expected exhausted retries, got: %v", err)
	}

	t.Log("even the correct secret is rejected once locked")
	_, err = session.DeriveCredentialSessionKeys(ctx, token, "locked-out", ykauth.DeriveCredentialKey("right"))
	if !errors.Is(err, ykauth.ErrRetriesExhausted) {
		t.Fatalf("expected exhausted retries with the correct secret, got: %v", err)
	}

	retries, err := session.CredentialRetries(ctx, token, "locked-out")
	if err != nil {
		t.Fatalf("session.CredentialRetries: %v", err)
	} else if retries != 0 {
		t.Errorf("locked credential reports %d retries", retries)
	}

	t.Log("the management key is the administrative authority to reset")
	err = session.ResetCredentialRetries(ctx, token, "locked-out")
	if err != nil {
		t.Fatalf("session.ResetCredentialRetries: %v", err)
	}
	_, err = session.DeriveCredentialSessionKeys(ctx, token, "locked-out", ykauth.DeriveCredentialKey("right"))
	if err != nil {
		t.Errorf("session.DeriveCredentialSessionKeys after reset: %v", err)
	}

	testSessionClose(ctx, t, token, session)
}

func TestCredentialTouch(t *testing.T) {
	t.Parallel()

	t.Run("confirmed", func(t *testing.T) {
		touched := 0
		ctx, token, session := loadAuthenticatedSession(t, softtoken.WithTouch(func(label string) bool {
			touched++
			if label != "guarded" {
				t.Errorf("touch requested for label %q", label)
			}
			return true
		}))

		err := session.AddCredential(ctx, token, ykauth.NewCredential("guarded", "pw", true))
		if err != nil {
			t.Fatalf("session.AddCredential: %v", err)
		}
		_, err = session.DeriveCredentialSessionKeys(ctx, token, "guarded", ykauth.DeriveCredentialKey("pw"))
		if err != nil {
			t.Fatalf("session.DeriveCredentialSessionKeys: %v", err)
		}
		if touched != 1 {
			t.Errorf("touch callback ran %d times", touched)
		}

		testSessionClose(ctx, t, token, session)
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, token, session := loadAuthenticatedSession(t, softtoken.WithTouch(func(string) bool {
			return false
		}))

		err := session.AddCredential(ctx, token, ykauth.NewCredential("guarded", "pw", true))
		if err != nil {
			t.Fatalf("session.AddCredential: %v", err)
		}
		_, err = session.DeriveCredentialSessionKeys(ctx, token, "guarded", ykauth.DeriveCredentialKey("pw"))
		if !errors.Is(err, ykauth.ErrTouchTimeout) {
			t.Fatalf("expected touch timeout, got: %v", err)
		}

		t.Log("a pure touch timeout does not consume a retry")
		retries, err := session.CredentialRetries(ctx, token, "guarded")
		if err != nil {
			t.Fatalf("session.CredentialRetries: %v", err)
		}
		if retries != softtoken.DefaultRetries {
			t.Errorf("retries %d != %d after timeout", retries, softtoken.DefaultRetries)
		}

		testSessionClose(ctx, t, token, session)
	})
}

func TestCredentialP256(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	credential := ykauth.Credential{
		Label:     "modern",
		Key:       ykauth.DeriveCredentialKey("pw"),
		Algorithm: ykauth.AlgorithmECP256,
	}
	err := session.AddCredential(ctx, token, credential)
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	keys, err := session.DeriveCredentialSessionKeys(ctx, token, "modern", credential.Key)
	if err != nil {
		t.Fatalf("session.DeriveCredentialSessionKeys: %v", err)
	}
	if keys.Enc == (ykauth.SecretKey{}) || keys.MAC == (ykauth.SecretKey{}) || keys.RMAC == (ykauth.SecretKey{}) {
		t.Error("session keys left zero")
	}

	testSessionClose(ctx, t, token, session)
}

func TestCollectCredentialSessionKeys(t *testing.T) {
	t.Parallel()
	ctx, token := newToken(t, softtoken.WithTouch(func(string) bool { return true }))

	var kinds []ykauth.KeyEntryKind
	attempts := 0
	collector := ykauth.KeyCollectorFunc(func(request *ykauth.KeyEntryRequest) bool {
		kinds = append(kinds, request.Kind)
		switch request.Kind {
		case ykauth.AuthenticateManagementKey:
			key := ykauth.DeriveManagementKey("password")
			request.SubmitValue(key[:])
		case ykauth.AuthenticateCredentialPassword:
			attempts++
			password := "wrong"
			if request.IsRetry() {
				password = "pw"
			}
			request.SubmitValue([]byte(password))
		}
		return true
	})

	var session ykauth.Session
	testAuthenticate(ctx, t, token, &session, ykauth.WithKeyCollector(collector))

	err := session.AddCredential(ctx, token, ykauth.NewCredential("guarded", "pw", true))
	if err != nil {
		t.Fatalf("session.AddCredential: %v", err)
	}

	kinds = nil
	keys, err := session.CollectCredentialSessionKeys(ctx, token, "guarded")
	if err != nil {
		t.Fatalf("session.CollectCredentialSessionKeys: %v", err)
	}
	if keys.Enc == (ykauth.SecretKey{}) {
		t.Error("session keys left zero")
	}
	if attempts != 2 {
		t.Errorf("expected a retry after the wrong password, made %d attempts", attempts)
	}

	expected := []ykauth.KeyEntryKind{
		ykauth.AuthenticateCredentialPassword,
		ykauth.TouchRequest,
		ykauth.AuthenticateCredentialPassword,
		ykauth.TouchRequest,
		ykauth.Release,
	}
	if len(kinds) != len(expected) {
		t.Fatalf("collector saw %v, expected %v", kinds, expected)
	}
	for i := range expected {
		if kinds[i] != expected[i] {
			t.Fatalf("collector saw %v, expected %v", kinds, expected)
		}
	}

	t.Run("unknown label", func(t *testing.T) {
		_, err := session.CollectCredentialSessionKeys(ctx, token, "no-such-label")
		if !errors.Is(err, ykauth.ErrNotFound) {
			t.Errorf("expected not found, got: %v", err)
		}
	})

	testSessionClose(ctx, t, token, &session)
}

func TestCollectorRequired(t *testing.T) {
	t.Parallel()
	var session ykauth.Session

	t.Log("the missing collector is reported before any device traffic")
	_, err := session.CollectCredentialSessionKeys(testingContext(t), nil, "label")
	if !errors.Is(err, ykauth.ErrCollectorRequired) {
		t.Errorf("expected collector required, got: %v", err)
	}

	_, err = session.TryAddCredential(testingContext(t), nil, "label", false)
	if !errors.Is(err, ykauth.ErrCollectorRequired) {
		t.Errorf("expected collector required, got: %v", err)
	}

	err = session.CollectChangeManagementKey(testingContext(t), nil)
	if !errors.Is(err, ykauth.ErrCollectorRequired) {
		t.Errorf("expected collector required, got: %v", err)
	}
}

func TestChangeManagementKey(t *testing.T) {
	t.Parallel()
	ctx, token, session := loadAuthenticatedSession(t)

	newKey := ykauth.DeriveManagementKey("replacement")
	err := session.ChangeManagementKey(ctx, token, newKey)
	if err != nil {
		t.Fatalf("session.ChangeManagementKey: %v", err)
	}
	testSessionClose(ctx, t, token, session)

	t.Log("the old key no longer authenticates")
	err = session.Authenticate(ctx, token)
	var wrong *ykauth.WrongSecretError
	if !errors.As(err, &wrong) {
		t.Fatalf("expected wrong-secret rejection, got: %v", err)
	}

	testAuthenticate(ctx, t, token, session, ykauth.WithManagementKey(newKey))
	testSessionClose(ctx, t, token, session)
}

func TestCollectChangeManagementKey(t *testing.T) {
	t.Parallel()
	ctx, token := newToken(t)

	current := ykauth.DeriveManagementKey("password")
	replacement := ykauth.DeriveManagementKey("replacement")

	attempts := 0
	collector := ykauth.KeyCollectorFunc(func(request *ykauth.KeyEntryRequest) bool {
		switch request.Kind {
		case ykauth.AuthenticateManagementKey:
			key := current
			request.SubmitValue(key[:])

		case ykauth.ChangeManagementKey:
			attempts++
			old := ykauth.DeriveManagementKey("wrong")
			if request.IsRetry() {
				old = current
			}
			request.SubmitValues(old[:], append([]byte(nil), replacement[:]...))
		}
		return true
	})

	var session ykauth.Session
	err := session.Authenticate(ctx, token, ykauth.WithKeyCollector(collector))
	if err != nil {
		t.Fatalf("session.Authenticate: %v", err)
	}
	err = session.CollectChangeManagementKey(ctx, token)
	if err != nil {
		t.Fatalf("session.CollectChangeManagementKey: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected a retry after the wrong current key, made %d attempts", attempts)
	}
	testSessionClose(ctx, t, token, &session)

	testAuthenticate(ctx, t, token, &session, ykauth.WithManagementKey(replacement))
	testSessionClose(ctx, t, token, &session)
}
