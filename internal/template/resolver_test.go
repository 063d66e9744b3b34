package template

import "testing"

func TestResolveParamsAlternative(t *testing.T) {
	got := Resolve("email:{params.to}", "send_email", Params{"to": "alice@example.com"})
	want := "email:alice@example.com"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveFallsThroughAlternatives(t *testing.T) {
	got := Resolve("chat:{params.channel|params.target|tool}", "message", Params{"target": "andy"})
	want := "chat:andy"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveToolAlternative(t *testing.T) {
	got := Resolve("{tool}", "exec", nil)
	if got != "exec" {
		t.Fatalf("got %q, want %q", got, "exec")
	}
}

func TestResolveUnknownWhenAllFail(t *testing.T) {
	got := Resolve("{params.missing}", "exec", Params{})
	if got != "unknown" {
		t.Fatalf("got %q, want %q", got, "unknown")
	}
}

func TestResolveNullAndEmptyParamsFail(t *testing.T) {
	got := Resolve("{params.to}", "exec", Params{"to": nil})
	if got != "unknown" {
		t.Fatalf("null param: got %q, want unknown", got)
	}
	got = Resolve("{params.to}", "exec", Params{"to": ""})
	if got != "unknown" {
		t.Fatalf("empty param: got %q, want unknown", got)
	}
}

func TestResolveBareLiteralFallback(t *testing.T) {
	got := Resolve("{params.missing|git-push}", "exec", Params{})
	if got != "git-push" {
		t.Fatalf("got %q, want %q", got, "git-push")
	}
}

func TestResolveCommandRecipientMailRcpt(t *testing.T) {
	params := Params{"command": "curl --url 'smtp://host' --mail-rcpt 'alice@example.com' --data x"}
	got := Resolve("email:{commandRecipient}", "exec", params)
	if got != "email:alice@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveCommandRecipientTo(t *testing.T) {
	params := Params{"command": "mail --to bob@example.com -s subject"}
	got := Resolve("email:{commandRecipient}", "exec", params)
	if got != "email:bob@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveCommandRecipientMissingCommand(t *testing.T) {
	got := Resolve("email:{commandRecipient}", "exec", Params{})
	if got != "email:unknown" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveMultipleExpressionsIndependent(t *testing.T) {
	got := Resolve("{tool}:{params.id}", "deploy", Params{"id": "svc-1"})
	if got != "deploy:svc-1" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveMalformedTemplateTolerated(t *testing.T) {
	got := Resolve("prefix-{unbalanced", "exec", Params{})
	if got != "prefix-{unbalanced" {
		t.Fatalf("expected malformed fragment left unexpanded, got %q", got)
	}
}

func TestResolveEmptyTemplate(t *testing.T) {
	if got := Resolve("", "exec", Params{}); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestResolveNumericParamCoercion(t *testing.T) {
	got := Resolve("port:{params.port}", "exec", Params{"port": 8080})
	if got != "port:8080" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveNeverPanics(t *testing.T) {
	inputs := []string{"", "{}", "{{}}", "{params.}", "{|}", "}{", "{tool|tool|tool}"}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Resolve panicked on %q: %v", in, r)
				}
			}()
			Resolve(in, "exec", Params{})
		}()
	}
}
