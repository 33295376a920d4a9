// Package rbac resolves a user's effective capabilities on a project.
package rbac

import (
	"fmt"
	"strings"

	"taigalike/api/internal/store"
)

type Capability uint8

const (
	ViewProject Capability = iota
	ViewMilestones
	AddMilestone
	ModifyMilestone
	DeleteMilestone
	ViewEpics
	AddEpic
	ModifyEpic
	CommentEpic
	DeleteEpic
	ViewUS
	AddUS
	ModifyUS
	CommentUS
	DeleteUS
	ViewTasks
	AddTask
	ModifyTask
	CommentTask
	DeleteTask
	ViewIssues
	AddIssue
	ModifyIssue
	CommentIssue
	DeleteIssue
	ViewWikiPages
	AddWikiPage
	ModifyWikiPage
	CommentWikiPage
	DeleteWikiPage
	ViewWikiLinks
	AddWikiLink
	ModifyWikiLink
	DeleteWikiLink
	ModifyProject
	DeleteProject
	AddMember
	RemoveMember
	AdminProjectValues
	AdminRoles

	numCapabilities
)

var capabilityNames = [numCapabilities]string{
	ViewProject:        "view_project",
	ViewMilestones:     "view_milestones",
	AddMilestone:       "add_milestone",
	ModifyMilestone:    "modify_milestone",
	DeleteMilestone:    "delete_milestone",
	ViewEpics:          "view_epics",
	AddEpic:            "add_epic",
	ModifyEpic:         "modify_epic",
	CommentEpic:        "comment_epic",
	DeleteEpic:         "delete_epic",
	ViewUS:             "view_us",
	AddUS:              "add_us",
	ModifyUS:           "modify_us",
	CommentUS:          "comment_us",
	DeleteUS:           "delete_us",
	ViewTasks:          "view_tasks",
	AddTask:            "add_task",
	ModifyTask:         "modify_task",
	CommentTask:        "comment_task",
	DeleteTask:         "delete_task",
	ViewIssues:         "view_issues",
	AddIssue:           "add_issue",
	ModifyIssue:        "modify_issue",
	CommentIssue:       "comment_issue",
	DeleteIssue:        "delete_issue",
	ViewWikiPages:      "view_wiki_pages",
	AddWikiPage:        "add_wiki_page",
	ModifyWikiPage:     "modify_wiki_page",
	CommentWikiPage:    "comment_wiki_page",
	DeleteWikiPage:     "delete_wiki_page",
	ViewWikiLinks:      "view_wiki_links",
	AddWikiLink:        "add_wiki_link",
	ModifyWikiLink:     "modify_wiki_link",
	DeleteWikiLink:     "delete_wiki_link",
	ModifyProject:      "modify_project",
	DeleteProject:      "delete_project",
	AddMember:          "add_member",
	RemoveMember:       "remove_member",
	AdminProjectValues: "admin_project_values",
	AdminRoles:         "admin_roles",
}

var capabilityByName = func() map[string]Capability {
	out := make(map[string]Capability, numCapabilities)
	for i, name := range capabilityNames {
		out[name] = Capability(i)
	}
	return out
}()

func (c Capability) String() string {
	if c < numCapabilities {
		return capabilityNames[c]
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// IsRead reports whether c only grants visibility.
func (c Capability) IsRead() bool {
	return strings.HasPrefix(c.String(), "view_")
}

func Parse(name string) (Capability, bool) {
	c, ok := capabilityByName[strings.TrimSpace(name)]
	return c, ok
}

// Set is a bitset of capabilities.
type Set uint64

func SetOf(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s = s.Add(c)
	}
	return s
}

func (s Set) Has(c Capability) bool   { return c < numCapabilities && s&(1<<c) != 0 }
func (s Set) Add(c Capability) Set    { return s | (1 << c) }
func (s Set) Union(other Set) Set     { return s | other }
func (s Set) Intersect(other Set) Set { return s & other }
func (s Set) Without(other Set) Set   { return s &^ other }
func (s Set) SubsetOf(other Set) bool { return s&^other == 0 }
func (s Set) Empty() bool             { return s == 0 }

// ReadOnly keeps only the view capabilities.
func (s Set) ReadOnly() Set {
	return s.Intersect(readSet)
}

// Names lists the set in declaration order.
func (s Set) Names() []string {
	out := []string{}
	for c := Capability(0); c < numCapabilities; c++ {
		if s.Has(c) {
			out = append(out, c.String())
		}
	}
	return out
}

// ParseSet rejects unknown capability names.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, name := range names {
		c, ok := Parse(name)
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
		s = s.Add(c)
	}
	return s, nil
}

// setFromStored skips names no longer known, so stale rows never grant anything.
func setFromStored(names []string) Set {
	var s Set
	for _, name := range names {
		if c, ok := Parse(name); ok {
			s = s.Add(c)
		}
	}
	return s
}

var (
	// AnonSet is the widest vector an anonymous user can be granted.
	AnonSet = SetOf(ViewProject, ViewMilestones, ViewEpics, ViewUS, ViewTasks, ViewIssues, ViewWikiPages, ViewWikiLinks)

	MemberSet = SetOf(
		ViewProject,
		ViewMilestones, AddMilestone, ModifyMilestone, DeleteMilestone,
		ViewEpics, AddEpic, ModifyEpic, CommentEpic, DeleteEpic,
		ViewUS, AddUS, ModifyUS, CommentUS, DeleteUS,
		ViewTasks, AddTask, ModifyTask, CommentTask, DeleteTask,
		ViewIssues, AddIssue, ModifyIssue, CommentIssue, DeleteIssue,
		ViewWikiPages, AddWikiPage, ModifyWikiPage, CommentWikiPage, DeleteWikiPage,
		ViewWikiLinks, AddWikiLink, ModifyWikiLink, DeleteWikiLink,
	)

	AdminSet = SetOf(ModifyProject, DeleteProject, AddMember, RemoveMember, AdminProjectValues, AdminRoles)

	All = MemberSet.Union(AdminSet)

	readSet = AnonSet
)

type Action string

const (
	ActionView    Action = "view"
	ActionAdd     Action = "add"
	ActionModify  Action = "modify"
	ActionComment Action = "comment"
	ActionDelete  Action = "delete"
)

type family struct {
	view, add, modify, comment, delete Capability
	hasComment                         bool
}

var families = map[store.EntityKind]family{
	store.KindMilestone: {view: ViewMilestones, add: AddMilestone, modify: ModifyMilestone, delete: DeleteMilestone},
	store.KindEpic:      {view: ViewEpics, add: AddEpic, modify: ModifyEpic, comment: CommentEpic, delete: DeleteEpic, hasComment: true},
	store.KindUserStory: {view: ViewUS, add: AddUS, modify: ModifyUS, comment: CommentUS, delete: DeleteUS, hasComment: true},
	store.KindTask:      {view: ViewTasks, add: AddTask, modify: ModifyTask, comment: CommentTask, delete: DeleteTask, hasComment: true},
	store.KindIssue:     {view: ViewIssues, add: AddIssue, modify: ModifyIssue, comment: CommentIssue, delete: DeleteIssue, hasComment: true},
	store.KindWikiPage:  {view: ViewWikiPages, add: AddWikiPage, modify: ModifyWikiPage, comment: CommentWikiPage, delete: DeleteWikiPage, hasComment: true},
	store.KindProject:   {view: ViewProject, modify: ModifyProject, delete: DeleteProject},
}

// For maps an action on a kind to the capability that guards it.
func For(kind store.EntityKind, action Action) (Capability, bool) {
	f, ok := families[kind]
	if !ok {
		return 0, false
	}
	switch action {
	case ActionView:
		return f.view, true
	case ActionAdd:
		if kind == store.KindProject {
			return 0, false
		}
		return f.add, true
	case ActionModify:
		return f.modify, true
	case ActionComment:
		if !f.hasComment {
			return f.modify, true
		}
		return f.comment, true
	case ActionDelete:
		return f.delete, true
	}
	return 0, false
}

// ViewFor returns the read capability of kind.
func ViewFor(kind store.EntityKind) Capability {
	c, _ := For(kind, ActionView)
	return c
}
