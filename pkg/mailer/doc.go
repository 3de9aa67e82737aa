// Package mailer provides email template rendering and provider-agnostic sending.
//
// Templates are markdown files with optional YAML frontmatter. The frontmatter
// carries metadata such as the subject line; the body is a Go text/template
// executed against a per-recipient context, converted to HTML with goldmark,
// and wrapped in an HTML layout.
//
// Sending is abstracted behind the [Sender] interface. Provider adapters live
// in subpackages (brevo, resend) and translate provider responses into a
// [Receipt] on success or a [*ProviderError] on failure. The error carries a
// [FailureKind] so callers can decide between retrying and giving up:
//
//	receipt, err := sender.Send(ctx, email)
//	if err != nil {
//	    if mailer.Classify(err) == mailer.FailureTransient {
//	        // retry later
//	    }
//	}
//
// Recipient-supplied context values are sanitized before rendering, so
// imported contact data cannot inject markup into outgoing mail.
package mailer
