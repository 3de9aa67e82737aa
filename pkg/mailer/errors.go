package mailer

import "errors"

var (
	// ErrNoRecipient indicates no recipient address was specified.
	ErrNoRecipient = errors.New("email must have a recipient")

	// ErrNoContent indicates no HTML content was provided.
	ErrNoContent = errors.New("email must have HTML content")

	// ErrTemplateNotFound indicates the template file was not found.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrLayoutNotFound indicates the layout file was not found.
	ErrLayoutNotFound = errors.New("layout not found")

	// ErrRenderFailed indicates template rendering failed.
	ErrRenderFailed = errors.New("failed to render template")

	// ErrInvalidFrontmatter indicates invalid YAML frontmatter.
	ErrInvalidFrontmatter = errors.New("invalid frontmatter")

	// ErrSendFailed indicates the provider rejected or never received the email.
	ErrSendFailed = errors.New("failed to send email")
)
