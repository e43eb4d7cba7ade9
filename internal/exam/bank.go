package exam

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/golang/glog"
	"github.com/jinzhu/copier"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// DefaultBankPageSize is used when a listing asks for no particular size.
const DefaultBankPageSize = 15

type BankInput struct {
	CourseID      string             `json:"course_id" validate:"notblank"`
	ClassID       string             `json:"class_id" validate:"notblank"`
	Text          string             `json:"question_text" validate:"notblank"`
	Options       [MaxOptions]string `json:"options"`
	CorrectOption string             `json:"correct_option" validate:"notblank"`
	ImageRef      string             `json:"image_ref"`
}

// bank validates in and returns the bank row it describes. The correct
// option is kept as authored once it is known to resolve.
func (in BankInput) bank() (BankQuestion, error) {
	if err := check(in); err != nil {
		return BankQuestion{}, err
	}
	opts, err := cleanOptions(in.Options)
	if err != nil {
		return BankQuestion{}, err
	}
	if _, err := ParseCorrectOption(in.CorrectOption, opts); err != nil {
		return BankQuestion{}, err
	}
	return BankQuestion{
		CourseID:   strings.TrimSpace(in.CourseID),
		ClassID:    strings.TrimSpace(in.ClassID),
		Text:       strings.TrimSpace(in.Text),
		ImageRef:   strings.TrimSpace(in.ImageRef),
		Options:    opts,
		CorrectRaw: strings.ToUpper(strings.TrimSpace(in.CorrectOption)),
	}, nil
}

func (s *Service) CreateBankQuestion(ctx context.Context, actor Actor, in BankInput) (BankQuestion, error) {
	if err := requireStaff(actor); err != nil {
		return BankQuestion{}, err
	}
	b, err := in.bank()
	if err != nil {
		return BankQuestion{}, err
	}
	b.ID, b.TeacherID, b.CreatedAt = s.newID(), actor.ID, s.now()
	if err := s.store.CreateBankQuestion(ctx, b); err != nil {
		return BankQuestion{}, storageErr("create bank question", err)
	}
	return b, nil
}

func (s *Service) UpdateBankQuestion(ctx context.Context, actor Actor, id string, in BankInput) (BankQuestion, error) {
	cur, err := s.store.GetBankQuestion(ctx, id)
	if err != nil {
		return BankQuestion{}, storageErr("get bank question", err)
	}
	if err := canManageBank(actor, cur); err != nil {
		return BankQuestion{}, err
	}
	b, err := in.bank()
	if err != nil {
		return BankQuestion{}, err
	}
	b.ID, b.TeacherID, b.CreatedAt = cur.ID, cur.TeacherID, cur.CreatedAt
	if err := s.store.UpdateBankQuestion(ctx, b); err != nil {
		return BankQuestion{}, storageErr("update bank question", err)
	}
	return b, nil
}

func canManageBank(actor Actor, b BankQuestion) error {
	if actor.Role == RoleAdmin || (actor.Role == RoleTeacher && actor.ID == b.TeacherID) {
		return nil
	}
	return &AuthorizationError{Reason: "bank question belongs to another teacher"}
}

func (s *Service) GetBankQuestion(ctx context.Context, id string) (BankQuestion, error) {
	b, err := s.store.GetBankQuestion(ctx, id)
	return b, storageErr("get bank question", err)
}

func (s *Service) DeleteBankQuestions(ctx context.Context, actor Actor, ids []string) (int, error) {
	if err := requireStaff(actor); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteBankQuestions(ctx, cleanIDs(ids))
	return n, storageErr("delete bank questions", err)
}

func (s *Service) DeleteBankScope(ctx context.Context, actor Actor, courseID, classID string) (int, error) {
	if err := requireStaff(actor); err != nil {
		return 0, err
	}
	if strings.TrimSpace(courseID) == "" || strings.TrimSpace(classID) == "" {
		return 0, invalid("scope", "course_id and class_id are required")
	}
	n, err := s.store.DeleteBankScope(ctx, courseID, classID)
	return n, storageErr("delete bank scope", err)
}

type BankPage struct {
	Items    []BankQuestion `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Pages    int            `json:"pages"`
}

// ListBank returns one page (1-based) of the bank, newest first.
func (s *Service) ListBank(ctx context.Context, courseID, classID string, page, pageSize int) (BankPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultBankPageSize
	}
	items, total, err := s.store.ListBankQuestions(ctx, BankListOpts{
		CourseID: courseID, ClassID: classID, Limit: pageSize, Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return BankPage{}, storageErr("list bank", err)
	}
	return BankPage{
		Items: items, Total: total, Page: page, PageSize: pageSize,
		Pages: (total + pageSize - 1) / pageSize,
	}, nil
}

func (s *Service) BankSummary(ctx context.Context, actor Actor) ([]BankGroup, error) {
	out, err := s.store.BankSummary(ctx, actor.ID)
	return out, storageErr("bank summary", err)
}

// bankToQuestion normalizes a bank row into an exam question stored inline.
func bankToQuestion(b BankQuestion) (Question, error) {
	var q Question
	if err := copier.Copy(&q, &b); err != nil {
		return Question{}, err
	}
	opts, err := cleanOptions(b.Options)
	if err != nil {
		return Question{}, err
	}
	correct, err := ParseCorrectOption(b.CorrectRaw, opts)
	if err != nil {
		return Question{}, err
	}
	q.Options, q.Correct, q.Layout = opts, correct, LayoutInline
	return q, nil
}

// resolveBank loads and normalizes bank ids. Ids that are missing or do not
// normalize land in skipped; any other failure aborts.
func (s *Service) resolveBank(ctx context.Context, examID string, ids []string) (qs []Question, skipped []string, err error) {
	for _, id := range ids {
		b, err := s.store.GetBankQuestion(ctx, id)
		if IsNotFound(err) {
			skipped = append(skipped, id)
			continue
		}
		if err != nil {
			return nil, nil, storageErr("get bank question", err)
		}
		q, err := bankToQuestion(b)
		if err != nil {
			glog.V(1).Infof("bank question %s skipped: %v", id, err)
			skipped = append(skipped, id)
			continue
		}
		q.ID, q.ExamID = s.newID(), examID
		qs = append(qs, q)
	}
	return qs, skipped, nil
}

func importResult(rep ImportReport) (ImportReport, error) {
	if len(rep.Skipped) > 0 {
		return rep, &PartialImportError{Skipped: rep.Skipped}
	}
	return rep, nil
}

// ImportFromBank copies bank questions into a draft exam one at a time.
// Missing or malformed bank ids are skipped and reported through a
// PartialImportError alongside a usable report.
func (s *Service) ImportFromBank(ctx context.Context, actor Actor, examID string, bankIDs []string) (ImportReport, error) {
	_, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return ImportReport{}, err
	}
	defer unlock()
	qs, skipped, err := s.resolveBank(ctx, examID, cleanIDs(bankIDs))
	if err != nil {
		return ImportReport{}, err
	}
	rep := ImportReport{Skipped: skipped}
	for _, q := range qs {
		if _, err := s.store.InsertQuestion(ctx, q); err != nil {
			return rep, storageErr("insert question", err)
		}
		rep.Added++
	}
	return importResult(rep)
}

// ImportBulk is ImportFromBank with every resolved question inserted in a
// single transaction.
func (s *Service) ImportBulk(ctx context.Context, actor Actor, examID string, bankIDs []string) (ImportReport, error) {
	_, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return ImportReport{}, err
	}
	defer unlock()
	qs, skipped, err := s.resolveBank(ctx, examID, cleanIDs(bankIDs))
	if err != nil {
		return ImportReport{}, err
	}
	rep := ImportReport{Skipped: skipped}
	if len(qs) > 0 {
		inserted, err := s.store.InsertQuestions(ctx, qs)
		if err != nil {
			return ImportReport{Skipped: skipped}, storageErr("insert questions", err)
		}
		rep.Added = len(inserted)
	}
	return importResult(rep)
}

// Candidate is one generated question awaiting import into the bank.
type Candidate struct {
	Question      string             `json:"question"`
	Options       [MaxOptions]string `json:"options"`
	CorrectOption string             `json:"correct_option"`
}

// ParseCandidates decodes generator output: a JSON array of objects with
// question, optionA..optionD and correct_option, possibly wrapped in a
// markdown code fence.
func ParseCandidates(raw string) ([]Candidate, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	s = strings.ReplaceAll(s, "```", "")
	if i, j := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']'); i >= 0 && j > i {
		s = s[i : j+1]
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, invalid("candidates", "not a JSON array of questions")
	}
	return lo.Map(items, func(m map[string]any, _ int) Candidate {
		return Candidate{
			Question: strings.TrimSpace(cast.ToString(m["question"])),
			Options: [MaxOptions]string{
				cast.ToString(m["optionA"]), cast.ToString(m["optionB"]),
				cast.ToString(m["optionC"]), cast.ToString(m["optionD"]),
			},
			CorrectOption: strings.TrimSpace(cast.ToString(m["correct_option"])),
		}
	}), nil
}

// ImportCandidates stores candidates in the bank of course+class. Invalid
// candidates are reported by their 1-based position.
func (s *Service) ImportCandidates(ctx context.Context, actor Actor, courseID, classID string, cands []Candidate) (ImportReport, error) {
	if err := requireStaff(actor); err != nil {
		return ImportReport{}, err
	}
	rep := ImportReport{}
	for i, c := range cands {
		b, err := BankInput{
			CourseID: courseID, ClassID: classID, Text: c.Question,
			Options: c.Options, CorrectOption: c.CorrectOption,
		}.bank()
		if err != nil {
			rep.Skipped = append(rep.Skipped, cast.ToString(i+1))
			continue
		}
		b.ID, b.TeacherID, b.CreatedAt = s.newID(), actor.ID, s.now()
		if err := s.store.CreateBankQuestion(ctx, b); err != nil {
			return rep, storageErr("create bank question", err)
		}
		rep.Added++
	}
	return importResult(rep)
}

// cleanIDs trims ids and drops blanks and duplicates, keeping first-seen order.
func cleanIDs(ids []string) []string {
	return lo.Uniq(lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))
}
