package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/observability"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

var conciseFair = map[string]string{"Concise": "Fair", "Form": "F3"}

func peerOnlyConfig(mustGrade, mustBeGradedBy int, policy string) models.ItemConfig {
	return models.ItemConfig{
		Steps:           []string{models.StepPeer},
		MustGrade:       mustGrade,
		MustBeGradedBy:  mustBeGradedBy,
		OverGradePolicy: policy,
		Rubric:          conciseFormRubric(),
	}
}

func TestPeerServiceOverGradeAfterQuota(t *testing.T) {
	cases := []struct {
		policy    string
		overGrade bool
	}{
		{policy: models.OverGradeAlways, overGrade: true},
		{policy: models.OverGradeUntilQuota},
		{policy: models.OverGradeNever},
	}

	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			env := newTestEnv(t, defaultEnvOptions())
			t.Cleanup(env.close)
			env.configure(t, peerOnlyConfig(3, 1, tc.policy))

			subs := map[string]string{}
			for _, student := range []string{"alice", "bob", "carol", "dave", "grace"} {
				subs[student] = env.submit(t, student, student+"'s essay").UUID
			}

			for _, expected := range []string{"alice", "bob", "carol"} {
				allocation := env.nextPeer(t, "grace", 1)
				require.NotNil(t, allocation.Submission)
				require.Equal(t, subs[expected], allocation.Submission.UUID)
				require.False(t, allocation.OverGrade)
				env.assess(t, "grace", allocation.Submission.UUID, models.AssessmentTypePeer, conciseFair)
			}

			// dave's only slot goes to alice.
			allocation := env.nextPeer(t, "alice", 1)
			require.NotNil(t, allocation.Submission)
			require.Equal(t, subs["dave"], allocation.Submission.UUID)
			env.assess(t, "alice", subs["dave"], models.AssessmentTypePeer, conciseFair)

			fourth := env.nextPeer(t, "grace", 1)
			if !tc.overGrade {
				require.Nil(t, fourth.Submission)
				return
			}

			require.NotNil(t, fourth.Submission)
			require.Equal(t, subs["dave"], fourth.Submission.UUID)
			require.True(t, fourth.OverGrade)
			env.assess(t, "grace", subs["dave"], models.AssessmentTypePeer, conciseFair)

			assignments, err := env.peerRepo.ListAssignments(context.Background(), subs["dave"])
			require.NoError(t, err)
			require.Len(t, assignments, 2)
			reserved := 0
			for _, assignment := range assignments {
				if assignment.HoldsSlot(time.Now().UTC(), 8*time.Hour) {
					reserved++
				}
			}
			require.Equal(t, 1, reserved)

			graceInfo, err := env.peer.PeerStepInfo(context.Background(), subs["grace"])
			require.NoError(t, err)
			require.Equal(t, 4, graceInfo.NumCompleted)
			require.Equal(t, 0, graceInfo.NumReceived)
			require.Equal(t, models.WorkflowStatusWaiting, env.status(t, subs["grace"]))

			daveInfo, err := env.peer.PeerStepInfo(context.Background(), subs["dave"])
			require.NoError(t, err)
			require.Equal(t, 2, daveInfo.NumReceived)
		})
	}
}

func TestPeerServiceResumesOutstandingAssignment(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	t.Cleanup(env.close)
	env.configure(t, peerOnlyConfig(1, 1, ""))

	env.submit(t, "alice", "alice's essay")
	bob := env.submit(t, "bob", "bob's essay")

	first := env.nextPeer(t, "alice", 1)
	require.NotNil(t, first.Submission)
	require.Equal(t, bob.UUID, first.Submission.UUID)
	require.False(t, first.Resumed)

	again := env.nextPeer(t, "alice", 1)
	require.NotNil(t, again.Submission)
	require.Equal(t, bob.UUID, again.Submission.UUID)
	require.True(t, again.Resumed)
	require.True(t, first.AssignedAt.Equal(*again.AssignedAt))

	assignments, err := env.peerRepo.ListAssignments(context.Background(), bob.UUID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
}

func TestPeerServiceRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	t.Cleanup(env.close)
	env.configure(t, peerOnlyConfig(1, 1, ""))

	alice := env.submit(t, "alice", "alice's essay")
	env.submit(t, "bob", "bob's essay")

	_, err := env.peer.GetSubmissionToAssess(context.Background(), learner("alice"), 0)
	require.ErrorIs(t, err, ErrPeerWorkflow)

	_, err = env.peer.GetSubmissionToAssess(context.Background(), learner("nobody"), 1)
	require.ErrorIs(t, err, ErrPeerWorkflow)

	_, err = env.workflows.Cancel(context.Background(), alice.UUID, "staff-1", "plagiarism")
	require.NoError(t, err)
	_, err = env.peer.GetSubmissionToAssess(context.Background(), learner("alice"), 1)
	require.ErrorIs(t, err, ErrPeerWorkflow)

	// bob has nobody left to grade: alice's workflow is cancelled.
	allocation := env.nextPeer(t, "bob", 1)
	require.Nil(t, allocation.Submission)
}

func TestPeerServiceRequiresPeerStep(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	t.Cleanup(env.close)
	env.configure(t, models.ItemConfig{Steps: []string{models.StepSelf}, Rubric: conciseFormRubric()})

	env.submit(t, "alice", "alice's essay")
	env.submit(t, "bob", "bob's essay")

	_, err := env.peer.GetSubmissionToAssess(context.Background(), learner("alice"), 1)
	require.ErrorIs(t, err, ErrPeerWorkflow)
}

func TestPeerServiceConcurrentAllocatorsShareOneSlot(t *testing.T) {
	for _, policy := range []string{"", models.OverGradeAlways, models.OverGradeNever} {
		t.Run("policy="+policy, func(t *testing.T) {
			allocateLastSlotConcurrently(t, policy)
		})
	}
}

func allocateLastSlotConcurrently(t *testing.T, policy string) {
	env := newTestEnv(t, defaultEnvOptions())
	t.Cleanup(env.close)
	env.configure(t, peerOnlyConfig(1, 1, policy))

	alice := env.submit(t, "alice", "alice's essay")
	bob := env.submit(t, "bob", "bob's essay")
	carol := env.submit(t, "carol", "carol's essay")

	// bob and carol already hold their only slot, leaving alice as the single free one.
	for _, target := range []string{bob.UUID, carol.UUID} {
		require.NoError(t, env.db.Create(&models.GradingAssignment{
			SubmissionUUID:       target,
			GraderStudentID:      "outsider-" + target,
			GraderSubmissionUUID: uuid.NewString(),
			CourseID:             testCourse,
			ItemID:               testItem,
			AssignedAt:           time.Now().UTC(),
		}).Error)
	}

	results := make([]string, 2)
	var group errgroup.Group
	for i, grader := range []string{"bob", "carol"} {
		i, grader := i, grader
		group.Go(func() error {
			allocation, err := env.peer.GetSubmissionToAssess(context.Background(), learner(grader), 1)
			if err != nil {
				return err
			}
			if allocation.Submission != nil {
				results[i] = allocation.Submission.UUID
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	winners := 0
	for _, result := range results {
		if result != "" {
			require.Equal(t, alice.UUID, result)
			winners++
		}
	}
	require.Equal(t, 1, winners)

	assignments, err := env.peerRepo.ListAssignments(context.Background(), alice.UUID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
}

func TestPeerStepInfoReportsWaiting(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	t.Cleanup(env.close)
	env.configure(t, peerOnlyConfig(1, 1, models.OverGradeNever))

	alice := env.submit(t, "alice", "alice's essay")

	info, err := env.peer.PeerStepInfo(context.Background(), alice.UUID)
	require.NoError(t, err)
	require.True(t, info.WaitingForSubmissionsToAssess)
	require.Equal(t, 1, info.MustGrade)
	require.Equal(t, models.WorkflowStatusWaiting, env.status(t, alice.UUID))

	env.submit(t, "bob", "bob's essay")

	info, err = env.peer.PeerStepInfo(context.Background(), alice.UUID)
	require.NoError(t, err)
	require.False(t, info.WaitingForSubmissionsToAssess)

	_, err = env.peer.PeerStepInfo(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func candidate(author string, created time.Time, assignments ...models.GradingAssignment) repository.PeerCandidate {
	submissionUUID := uuid.NewString()
	for i := range assignments {
		assignments[i].SubmissionUUID = submissionUUID
	}
	return repository.PeerCandidate{
		Submission: models.Submission{
			UUID:        submissionUUID,
			CreatedAt:   created,
			StudentItem: learner(author),
		},
		Assignments: assignments,
	}
}

func TestSelectCandidatePrefersLeastGradedThenOldest(t *testing.T) {
	now := time.Now().UTC()
	done := now.Add(-time.Minute)

	graded := candidate("alice", now.Add(-3*time.Hour), models.GradingAssignment{GraderStudentID: "x", AssignedAt: now, CompletedAt: &done})
	older := candidate("bob", now.Add(-2*time.Hour))
	newer := candidate("carol", now.Add(-time.Hour))

	selection, ok := selectCandidate(selectionInput{
		graderID:       "grace",
		candidates:     []repository.PeerCandidate{newer, graded, older},
		mustBeGradedBy: 3,
		now:            now,
		timeout:        8 * time.Hour,
	})
	require.True(t, ok)
	require.Equal(t, older.Submission.UUID, selection.candidate.Submission.UUID)
	require.False(t, selection.overGrade)
}

func TestSelectCandidateReclaimsExpiredSlots(t *testing.T) {
	now := time.Now().UTC()
	stale := candidate("alice", now.Add(-time.Hour), models.GradingAssignment{GraderStudentID: "x", AssignedAt: now.Add(-9 * time.Hour)})

	in := selectionInput{
		graderID:       "grace",
		candidates:     []repository.PeerCandidate{stale},
		mustBeGradedBy: 1,
		policy:         models.OverGradeAlways,
		now:            now,
		timeout:        8 * time.Hour,
	}
	selection, ok := selectCandidate(in)
	require.True(t, ok)
	require.False(t, selection.overGrade)

	// Without a timeout the reservation never lapses and is not spare either.
	in.timeout = 0
	_, ok = selectCandidate(in)
	require.False(t, ok)
}

func TestSelectCandidateOverGradesOnlyFullyGradedSubmissions(t *testing.T) {
	now := time.Now().UTC()
	done := now.Add(-time.Minute)

	held := candidate("alice", now.Add(-2*time.Hour), models.GradingAssignment{GraderStudentID: "x", AssignedAt: now.Add(-time.Hour)})
	graded := candidate("bob", now.Add(-time.Hour), models.GradingAssignment{GraderStudentID: "y", AssignedAt: now.Add(-time.Hour), CompletedAt: &done})
	overGraded := candidate("carol", now.Add(-3*time.Hour),
		models.GradingAssignment{GraderStudentID: "z", AssignedAt: now.Add(-time.Hour), CompletedAt: &done, OverGrade: true},
		models.GradingAssignment{GraderStudentID: "w", AssignedAt: now.Add(-time.Hour)})

	in := selectionInput{
		graderID:       "grace",
		candidates:     []repository.PeerCandidate{held, overGraded},
		mustBeGradedBy: 1,
		policy:         models.OverGradeAlways,
		now:            now,
		timeout:        8 * time.Hour,
	}
	_, ok := selectCandidate(in)
	require.False(t, ok)

	in.candidates = append(in.candidates, graded)
	selection, ok := selectCandidate(in)
	require.True(t, ok)
	require.True(t, selection.overGrade)
	require.Equal(t, graded.Submission.UUID, selection.candidate.Submission.UUID)
}

func TestSelectCandidateIgnoresAssignmentsOfEarlierAttempts(t *testing.T) {
	now := time.Now().UTC()
	target := candidate("alice", now.Add(-time.Hour))
	previous := models.GradingAssignment{
		SubmissionUUID:       target.Submission.UUID,
		GraderStudentID:      "grace",
		GraderSubmissionUUID: "grace-attempt-1",
		AssignedAt:           now.Add(-time.Minute),
	}

	_, ok := selectCandidate(selectionInput{
		graderID:             "grace",
		graderSubmissionUUID: "grace-attempt-2",
		candidates:           []repository.PeerCandidate{target},
		mine:                 []models.GradingAssignment{previous},
		mustBeGradedBy:       1,
		policy:               models.OverGradeNever,
		now:                  now,
		timeout:              8 * time.Hour,
	})
	require.True(t, ok)
}

func TestSelectCandidateNeverPairsAuthorWithOwnSubmission(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := time.Now().UTC()
		authors := []string{"grace", "alice", "bob", "carol"}
		graders := []string{"grace", "x", "y", "z"}
		timeout := time.Duration(rapid.IntRange(0, 10).Draw(rt, "timeout_hours")) * time.Hour

		n := rapid.IntRange(0, 8).Draw(rt, "candidates")
		candidates := make([]repository.PeerCandidate, 0, n)
		var mine []models.GradingAssignment
		for i := 0; i < n; i++ {
			author := rapid.SampledFrom(authors).Draw(rt, fmt.Sprintf("author_%d", i))
			created := now.Add(-time.Duration(rapid.IntRange(1, 100).Draw(rt, fmt.Sprintf("age_%d", i))) * time.Minute)

			var assignments []models.GradingAssignment
			for j, count := 0, rapid.IntRange(0, 4).Draw(rt, fmt.Sprintf("assignments_%d", i)); j < count; j++ {
				grader := rapid.SampledFrom(graders).Draw(rt, fmt.Sprintf("grader_%d_%d", i, j))
				if grader == author {
					continue
				}
				assignment := models.GradingAssignment{
					GraderStudentID:      grader,
					GraderSubmissionUUID: grader + "-submission",
					OverGrade:            rapid.Bool().Draw(rt, fmt.Sprintf("over_%d_%d", i, j)),
					AssignedAt:           now.Add(-time.Duration(rapid.IntRange(0, 12).Draw(rt, fmt.Sprintf("assigned_%d_%d", i, j))) * time.Hour),
				}
				if rapid.Bool().Draw(rt, fmt.Sprintf("completed_%d_%d", i, j)) {
					completed := now
					assignment.CompletedAt = &completed
				}
				assignments = append(assignments, assignment)
			}

			c := candidate(author, created, assignments...)
			for _, assignment := range c.Assignments {
				if assignment.GraderStudentID == "grace" {
					mine = append(mine, assignment)
				}
			}
			candidates = append(candidates, c)
		}

		in := selectionInput{
			graderID:             "grace",
			graderSubmissionUUID: "grace-submission",
			candidates:           candidates,
			mine:                 mine,
			mustGrade:            rapid.IntRange(0, 5).Draw(rt, "must_grade"),
			mustBeGradedBy:       rapid.IntRange(1, 4).Draw(rt, "must_be_graded_by"),
			policy:               rapid.SampledFrom([]string{models.OverGradeAlways, models.OverGradeUntilQuota, models.OverGradeNever}).Draw(rt, "policy"),
			now:                  now,
			timeout:              timeout,
		}

		selection, ok := selectCandidate(in)
		if !ok {
			return
		}
		require.NotEqual(rt, "grace", selection.candidate.AuthorID())
		if selection.resumed {
			return
		}
		require.False(rt, selection.candidate.AssignedTo("grace"))
		if !selection.overGrade {
			require.Less(rt, selection.candidate.ReservedSlots(now, timeout), in.mustBeGradedBy)
		} else {
			require.NotEqual(rt, models.OverGradeNever, in.policy)
			require.GreaterOrEqual(rt, selection.candidate.GradedCount(), in.mustBeGradedBy)
		}
	})
}

func TestPeerServiceLapsedAssignmentCompletesAsOverGrade(t *testing.T) {
	cases := []struct {
		name         string
		reassigned   bool
		bobOverGrade bool
	}{
		{name: "slot reassigned", reassigned: true, bobOverGrade: true},
		{name: "slot still free"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, defaultEnvOptions())
			t.Cleanup(env.close)
			env.configure(t, peerOnlyConfig(1, 1, ""))

			alice := env.submit(t, "alice", "alice's essay")
			env.submit(t, "bob", "bob's essay")
			env.submit(t, "carol", "carol's essay")

			clock := time.Now().UTC()
			now := func() time.Time { return clock }
			env.peer.(*peerService).now = now
			env.assessments.(*assessmentService).now = now

			require.Equal(t, alice.UUID, env.nextPeer(t, "bob", 1).Submission.UUID)
			clock = clock.Add(9 * time.Hour)

			if tc.reassigned {
				allocation := env.nextPeer(t, "carol", 1)
				require.Equal(t, alice.UUID, allocation.Submission.UUID)
				require.False(t, allocation.OverGrade)
			}

			env.assess(t, "bob", alice.UUID, models.AssessmentTypePeer, conciseFair)
			if tc.reassigned {
				env.assess(t, "carol", alice.UUID, models.AssessmentTypePeer, conciseFair)
			}

			assignments, err := env.peerRepo.ListAssignments(context.Background(), alice.UUID)
			require.NoError(t, err)
			graded := 0
			for _, assignment := range assignments {
				require.True(t, assignment.Completed())
				if assignment.GraderStudentID == "bob" {
					require.Equal(t, tc.bobOverGrade, assignment.OverGrade)
				}
				if !assignment.OverGrade {
					graded++
				}
			}
			require.Equal(t, 1, graded)
		})
	}
}

func TestPeerServiceRespectsPeerWindow(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	t.Cleanup(env.close)

	opens := time.Now().UTC().Add(24 * time.Hour)
	closes := opens.Add(7 * 24 * time.Hour)
	cfg := peerOnlyConfig(1, 1, "")
	cfg.PeerStart, cfg.PeerDue = &opens, &closes
	env.configure(t, cfg)

	alice := env.submit(t, "alice", "alice's essay")
	env.submit(t, "bob", "bob's essay")

	clock := opens.Add(-time.Minute)
	now := func() time.Time { return clock }
	env.peer.(*peerService).now = now
	env.assessments.(*assessmentService).now = now

	_, err := env.peer.GetSubmissionToAssess(context.Background(), learner("bob"), 1)
	require.ErrorIs(t, err, ErrPeerWorkflow)

	clock = opens
	require.Equal(t, alice.UUID, env.nextPeer(t, "bob", 1).Submission.UUID)

	clock = closes
	_, err = env.assessments.Create(context.Background(), "bob", dto.AssessmentCreateRequest{
		SubmissionUUID:  alice.UUID,
		Type:            string(models.AssessmentTypePeer),
		OptionsSelected: conciseFair,
	})
	require.ErrorIs(t, err, ErrPeerWorkflow)

	_, err = env.peer.GetSubmissionToAssess(context.Background(), learner("alice"), 1)
	require.ErrorIs(t, err, ErrPeerWorkflow)

	clock = closes.Add(-time.Second)
	env.assess(t, "bob", alice.UUID, models.AssessmentTypePeer, conciseFair)
}

func TestPeerServiceLogsCarryCorrelationID(t *testing.T) {
	var logs bytes.Buffer
	opts := defaultEnvOptions()
	opts.logs = &logs
	env := newTestEnv(t, opts)
	t.Cleanup(env.close)
	env.configure(t, peerOnlyConfig(1, 1, ""))

	alice := env.submit(t, "alice", "alice's essay")
	env.submit(t, "bob", "bob's essay")
	logs.Reset()

	ctx := observability.WithCorrelationID(context.Background(), "corr-42")
	allocation, err := env.peer.GetSubmissionToAssess(ctx, learner("bob"), 1)
	require.NoError(t, err)
	require.Equal(t, alice.UUID, allocation.Submission.UUID)

	var allocated map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "peer submission allocated" {
			allocated = entry
		}
	}
	require.NotNil(t, allocated)
	require.Equal(t, "corr-42", allocated["correlation_id"])
	require.Equal(t, "peer_service", allocated["component"])
}
