package codehost

import "errors"

var (
	// ErrPRExists indicates a pull request for the fix branch is already open
	// and could not be adopted.
	ErrPRExists = errors.New("pull request already exists for this branch")

	// ErrNoChanges indicates the fix branch has no commits over the base branch.
	ErrNoChanges = errors.New("no changes between branches")

	// ErrPatchNotApplicable indicates the patch's "before" text is absent from the target file.
	ErrPatchNotApplicable = errors.New("patch does not apply to target file")
)
