package scoring

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

func row(miner string, predicted, price float64) models.ScoredPrediction {
	return models.ScoredPrediction{
		PredictionRecord: models.PredictionRecord{MinerKey: miner, Value: predicted},
		Price:            price,
	}
}

func TestSigmoid(t *testing.T) {
	Convey("Given the weight sigmoid", t, func() {
		Convey("It is one half at zero", func() {
			So(Sigmoid(0, DefaultSteepness), ShouldAlmostEqual, 0.5, 1e-12)
		})
		Convey("It decreases towards zero at one", func() {
			So(Sigmoid(1, DefaultSteepness), ShouldBeLessThan, 0.0001)
			So(Sigmoid(0.2, DefaultSteepness), ShouldBeGreaterThan, Sigmoid(0.3, DefaultSteepness))
		})
	})
}

func TestAverageDifference(t *testing.T) {
	Convey("Given a miner's absolute errors", t, func() {
		Convey("With no answers the miner gets the no-prediction score", func() {
			So(AverageDifference(nil, 0), ShouldEqual, NoPredictionScore)
			So(AverageDifference(nil, 3), ShouldEqual, NoPredictionScore)
		})
		Convey("Errors are averaged by magnitude", func() {
			So(AverageDifference([]float64{10, -30}, 0), ShouldAlmostEqual, 20, 1e-9)
		})
		Convey("Each missing answer costs five mean errors", func() {
			// avg 20 over 2 answers, 2 missing: (40 + 200) / 4
			So(AverageDifference([]float64{10, 30}, 2), ShouldAlmostEqual, 60, 1e-9)
		})
	})
}

func TestWeights(t *testing.T) {
	Convey("Given miner scores", t, func() {
		Convey("The best miner gets the max and the worst nearly nothing", func() {
			w := Weights(map[string]float64{"best": 10, "mid": 55, "worst": 100}, 800)
			So(w["best"], ShouldEqual, 800)
			So(w["mid"], ShouldBeBetween, 0, 800)
			_, worst := w["worst"]
			So(worst, ShouldBeFalse)
		})
		Convey("Equal scores all get the max", func() {
			w := Weights(map[string]float64{"a": 5, "b": 5}, 800)
			So(w, ShouldResemble, map[string]int{"a": 800, "b": 800})
		})
		Convey("Miners without predictions get no weight and do not skew the range", func() {
			w := Weights(map[string]float64{"a": 5, "none": NoPredictionScore}, 800)
			So(w, ShouldResemble, map[string]int{"a": 800})
		})
		Convey("Only unscored miners yields an empty vote", func() {
			So(Weights(map[string]float64{"none": NoPredictionScore}, 800), ShouldBeEmpty)
		})
	})
}

func TestScoreMiners(t *testing.T) {
	Convey("Given joined prediction rows", t, func() {
		rows := []models.ScoredPrediction{
			row("a", 100, 110),
			row("a", 120, 110),
			row("a", models.MissingPrediction, 110),
			row("b", 105, 110),
			row("c", models.MissingPrediction, 110),
		}
		scores := ScoreMiners(rows)

		Convey("Missing answers are counted before filtering", func() {
			// avg 10 over 2 answers, 1 missing: (20 + 50) / 3
			So(scores["a"], ShouldAlmostEqual, 70.0/3, 1e-9)
		})
		Convey("A miner that only missed gets the no-prediction score", func() {
			So(scores["c"], ShouldEqual, NoPredictionScore)
		})
		Convey("Errors use the absolute difference to the real price", func() {
			So(scores["b"], ShouldAlmostEqual, 5, 1e-9)
		})
	})
}

func TestBuildVote(t *testing.T) {
	Convey("Given weights keyed by miner", t, func() {
		v := BuildVote(map[string]int{"k2": 400, "k1": 800, "gone": 100}, map[string]int{"k1": 3, "k2": 1}, 0)

		Convey("Unknown keys are dropped and entries are ordered by uid", func() {
			So(v.UIDs, ShouldResemble, []int{1, 3})
			So(v.Weights, ShouldResemble, []int{400, 800})
		})
	})

	Convey("Given more weighted miners than a vote may carry", t, func() {
		weights := map[string]int{"a": 10, "b": 800, "c": 300, "d": 300, "e": 50}
		uids := map[string]int{"a": 0, "b": 1, "c": 2, "d": 3, "e": 4}
		v := BuildVote(weights, uids, 3)

		Convey("Only the highest weights are kept, ties by lower uid", func() {
			So(v.UIDs, ShouldResemble, []int{1, 2, 3})
			So(v.Weights, ShouldResemble, []int{800, 300, 300})
		})

		Convey("A cap at or above the count keeps everything", func() {
			So(BuildVote(weights, uids, 5).UIDs, ShouldHaveLength, 5)
		})
	})
}
